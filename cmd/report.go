package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asokraju/nanoGPT/moe/telemetry"
)

var (
	reportLogFile string // Explicit usage log path
	reportLogDir  string // Usage log directory (with --replica)
	reportReplica string // Replica whose log to read
)

// reportCmd reconstructs the per-expert fraction history from a usage log
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the per-expert usage history recorded during training",
	Run: func(cmd *cobra.Command, args []string) {
		path := reportLogFile
		if path == "" {
			path = telemetry.LogPath(reportLogDir, reportReplica)
		}
		records, err := telemetry.ReadLog(path)
		if err != nil {
			logrus.Fatalf("Failed to read usage log: %v", err)
		}
		writeReport(cmd.OutOrStdout(), records)
	},
}

// writeReport prints one line per window followed by coverage totals.
func writeReport(w io.Writer, records []telemetry.LogRecord) {
	fmt.Fprintln(w, "=== Expert Usage History ===")
	for _, r := range records {
		var flags []string
		if r.PartialWindow {
			flags = append(flags, "partial")
		}
		if r.ExtendedWindow {
			flags = append(flags, "extended")
		}
		fmt.Fprintf(w, "steps %6d-%-6d tokens %-8d loss %-10.6f fractions %s",
			r.WindowStartStep, r.WindowEndStep, r.Tokens, r.LoadBalanceLoss, formatFractions(r.Fractions))
		if len(flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(flags, ","))
		}
		fmt.Fprintln(w)
	}

	s := telemetry.Summarize(records)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Windows         : %d (full %d, partial %d, extended %d)\n",
		s.Windows, s.FullWindows, s.PartialWindows, s.ExtendedWindows)
	fmt.Fprintf(w, "Steps covered   : %d\n", s.StepsCovered)
	fmt.Fprintf(w, "Tokens          : %d\n", s.TotalTokens)
	fmt.Fprintf(w, "Runs            : %d\n", len(s.RunIDs))
	fmt.Fprintf(w, "Mean fractions  : %s\n", formatFractions(s.MeanFractions))
	for _, g := range s.Gaps {
		fmt.Fprintf(w, "Gap             : steps %d-%d not covered\n", g.Start, g.End)
	}
	for _, o := range s.Overlaps {
		fmt.Fprintf(w, "Overlap         : steps %d-%d reported twice\n", o.Start, o.End)
	}
}

func formatFractions(fr []float64) string {
	parts := make([]string, len(fr))
	for i, f := range fr {
		parts[i] = fmt.Sprintf("%.4f", f)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func init() {
	reportCmd.Flags().StringVar(&reportLogFile, "log-file", "", "Usage log path (overrides --log-dir/--replica)")
	reportCmd.Flags().StringVar(&reportLogDir, "log-dir", "./logs/moe_logs", "Directory of the usage log")
	reportCmd.Flags().StringVar(&reportReplica, "replica", "", "Replica whose usage log to read")
}
