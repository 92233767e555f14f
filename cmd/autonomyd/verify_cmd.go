package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
	"github.com/milaidy/autonomy-kernel/pkg/store"

	_ "modernc.org/sqlite"
)

// runVerifyCmd recomputes every event hash in an audit log and reports the
// first break in the chain.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		dbPath     string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to a JSON export of execution events")
	cmd.StringVar(&dbPath, "db", "", "Path to a SQLite event store")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the chain report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (file == "") == (dbPath == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --file or --db is required")
		return 2
	}

	var (
		events []*contracts.ExecutionEvent
		err    error
	)
	if file != "" {
		events, err = loadEventFile(file)
	} else {
		events, err = loadEventDB(dbPath)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := eventlog.VerifyEventChain(events)

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "chain intact: %d events verified\n", report.Checked)
	} else {
		_, _ = fmt.Fprintf(stdout, "chain BROKEN at sequence %d: %s\n", report.FirstInvalid, report.Reason)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func loadEventFile(path string) ([]*contracts.ExecutionEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []*contracts.ExecutionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return events, nil
}

func loadEventDB(path string) ([]*contracts.ExecutionEvent, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	es, err := store.NewSQLiteEventStore(db, "")
	if err != nil {
		return nil, err
	}
	return es.GetRecent(context.Background(), 0)
}
