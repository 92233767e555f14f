package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milaidy/autonomy-kernel/pkg/contracts"
	"github.com/milaidy/autonomy-kernel/pkg/eventlog"
)

func TestRunNoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"autonomyd"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Usage")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"autonomyd", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestConfigPrintsDefaults(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"autonomyd", "config"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "trust")
}

func TestVerifyIntactExport(t *testing.T) {
	store := eventlog.NewStore()
	for i := 0; i < 5; i++ {
		_, err := store.Append("req-1", contracts.EventToolProposed, map[string]any{"n": i}, "corr-1")
		require.NoError(t, err)
	}
	path := writeExport(t, store.GetRecent(0))

	var out, errOut bytes.Buffer
	code := Run([]string{"autonomyd", "verify", "--file", path}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "chain intact")
}

func TestVerifyTamperedExport(t *testing.T) {
	store := eventlog.NewStore()
	for i := 0; i < 5; i++ {
		_, err := store.Append("req-1", contracts.EventToolProposed, map[string]any{"n": i}, "corr-1")
		require.NoError(t, err)
	}
	events := store.GetRecent(0)
	events[2].Payload["n"] = 99
	path := writeExport(t, events)

	var out, errOut bytes.Buffer
	code := Run([]string{"autonomyd", "verify", "--file", path}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "chain BROKEN")
}

func writeExport(t *testing.T, events []*contracts.ExecutionEvent) string {
	t.Helper()
	data, err := json.Marshal(events)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
