package main

import (
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/milaidy/autonomy-kernel/pkg/config"
)

// runConfigCmd validates a configuration file, or prints the documented
// defaults when no file is given.
//
// Exit codes:
//
//	0 = config valid
//	1 = config invalid
//	2 = runtime error
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to a YAML configuration file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if file == "" {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprint(stdout, string(data))
		return 0
	}

	cfg, err := config.Load(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
		}
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "config valid: %s\n", file)
	return 0
}
