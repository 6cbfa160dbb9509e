package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailures = 1
	exitInternal = 2
)

// errScenariosFailed marks a run that completed with failed scenarios.
var errScenariosFailed = errors.New("one or more scenarios failed")

func main() {
	cfg, err := config.New(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitInternal)
	}
	cmd := newRootCommand(cfg)
	cmd.SetArgs(os.Args[1:])
	err = cmd.Execute()
	if err != nil && !errors.Is(err, errScenariosFailed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errScenariosFailed):
		return exitFailures
	default:
		return exitInternal
	}
}
