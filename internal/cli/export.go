package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"otc-settlement/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportLast      time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alert events and flagged settlements as CSV and/or a PNG timeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportLast > 0 && exportFrom != "" {
			return errors.New("--last and --from are mutually exclusive")
		}
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		var err error
		if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
			return err
		}
		if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
			return err
		}
		if exportLast > 0 {
			end := time.Now().UTC()
			if opts.To != nil {
				end = *opts.To
			}
			start := end.Add(-exportLast)
			opts.From = &start
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 or a bare UTC date.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or YYYY-MM-DD, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or YYYY-MM-DD, exclusive)")
	exportCmd.Flags().DurationVar(&exportLast, "last", 0, "Export the window ending at --to (or now), e.g. 24h")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart buckets (defaults to config)")
}
