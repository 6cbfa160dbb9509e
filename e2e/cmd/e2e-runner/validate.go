package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/spec"
)

func newValidateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [suite files or dirs...]",
		Short: "Parse and schema-check suites without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			suites, err := loadSuites(cfg.SpecDir, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, suite := range suites {
				browser := "api"
				if suite.NeedsBrowser() {
					browser = "browser"
				}
				fmt.Fprintf(out, "ok  %s (%d scenarios, %s) %s\n", suite.Metadata.Name, len(suite.Scenarios), browser, suite.SourceFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.SpecDir, "spec-dir", cfg.SpecDir, "suite file or directory of suite files")
	return cmd
}

// loadSuites reads the suites named by paths, or everything under specDir
// when no path is given.
func loadSuites(specDir string, paths []string) ([]spec.Suite, error) {
	if len(paths) == 0 {
		paths = []string{specDir}
	}
	var suites []spec.Suite
	for _, path := range paths {
		loaded, err := spec.LoadSuites(path)
		if err != nil {
			return nil, err
		}
		suites = append(suites, loaded...)
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("no suites found in %v", paths)
	}
	return suites, nil
}
