package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/screener-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one screener run",
	Long:  "Discovers assets, filters them, analyses every timeframe and persists the ranked records, then prints the run summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Conductor.Run(ctx)
		env.Governor.LogSummary()
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		if err != nil {
			return eris.Wrap(err, "run")
		}
		if run.Status != model.RunStatusComplete {
			return eris.Errorf("run %s finished with status %s: %s", run.ID, run.Status, run.Reason)
		}

		zap.L().Info("run complete",
			zap.String("run_id", run.ID),
			zap.Int("persisted", run.Persisted),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// formatRunSummary writes the outcome of one run to w.
func formatRunSummary(out io.Writer, run *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if run.Reason != "" {
		_, _ = fmt.Fprintf(w, "Reason:\t%s\n", run.Reason)
	}
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", run.Processed())
	_, _ = fmt.Fprintf(w, "Candidates:\t%d\n", run.Found)
	_, _ = fmt.Fprintf(w, "Mature:\t%d\n", run.Mature)
	_, _ = fmt.Fprintf(w, "Analyzed:\t%d\n", run.Analyzed)
	_, _ = fmt.Fprintf(w, "Persisted:\t%d\n", run.Persisted)
	_, _ = fmt.Fprintf(w, "Fallback successes:\t%d\n", run.FallbackSuccess)
	waves := make([]string, 0, len(run.Waves))
	for src := range run.Waves {
		waves = append(waves, src)
	}
	sort.Strings(waves)
	for _, src := range waves {
		_, _ = fmt.Fprintf(w, "  Wave %s:\t%d\n", src, run.Waves[src])
	}
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(run.DurationMs) * time.Millisecond).Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", run.SkippedTotal)
	for _, reason := range sortedReasons(run.Skipped) {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", reason, run.Skipped[reason])
	}
	_ = w.Flush()
}

// sortedReasons orders skip reasons by descending count, then name.
func sortedReasons(skipped map[string]int) []string {
	out := make([]string, 0, len(skipped))
	for reason := range skipped {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool {
		if skipped[out[i]] != skipped[out[j]] {
			return skipped[out[i]] > skipped[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
