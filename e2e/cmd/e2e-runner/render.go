package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scholarai/scholarai/e2e/framework/config"
	"github.com/scholarai/scholarai/e2e/framework/report"
)

func newRenderCommand(cfg *config.Config) *cobra.Command {
	var format, out, runRef string
	cmd := &cobra.Command{
		Use:   "render [report.json]",
		Short: "Re-render a saved or published JSON report as markdown, junit or json",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source string
			switch {
			case runRef != "" && len(args) > 0:
				return errors.New("pass either a report file or --run, not both")
			case runRef != "":
				dir, err := os.MkdirTemp("", "e2e-report-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				source, err = fetchPublishedReport(cmd.Context(), cfg, runRef, dir)
				if err != nil {
					return err
				}
			case len(args) == 1:
				source = args[0]
			default:
				return errors.New("a report file or --run is required")
			}
			rep, err := report.Load(source)
			if err != nil {
				return err
			}
			if format == "" {
				format = report.FormatMarkdown
				if out != "" {
					format = report.FormatForPath(out)
				}
			}
			payload, err := report.Render(rep, format)
			if err != nil {
				return err
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(payload)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return errors.Wrapf(err, "create %s", filepath.Dir(out))
			}
			return os.WriteFile(out, payload, 0o644)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "output format: markdown|json|junit (default from --out extension)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().StringVar(&runRef, "run", "", "fetch the report of a published run: <run-id> or <run-id>/<suite-slug>")
	return cmd
}
