package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/crytic/ammfuzz/cmd/exitcodes"
	"github.com/crytic/ammfuzz/fuzzing"
	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// shrinkCmd represents the command provider for minimizing stored traces
var shrinkCmd = &cobra.Command{
	Use:   "shrink [trace id]",
	Short: "Minimizes a stored failing trace",
	Long: `Minimizes a stored trace by replaying reductions of it against the pool, and stores the smallest trace
that still fails the same way as a new entry.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: cmdValidFlagArgs,
	RunE:              cmdRunShrink,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	shrinkCmd.Flags().SortFlags = false
	addTraceFlags(shrinkCmd.Flags(), true)
	shrinkCmd.Flags().Int("limit", 0, "maximum number of replays. 0 keeps the configured shrink limit")
	rootCmd.AddCommand(shrinkCmd)
}

// cmdRunShrink executes the CLI shrink command.
func cmdRunShrink(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := openTraceSession(ctx, cmd, true)
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if limit <= 0 {
		limit = session.projectConfig.Fuzzing.ShrinkLimit
	}

	entry, err := session.entry(cmd, args)
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	trace, err := fuzzing.TraceFromCorpus(entry.Steps)
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	cmdLogger.Info("Shrinking trace ", colors.Bold, entry.ID, colors.Reset, " (", len(trace), " step(s), ",
		entry.Failure, ") with a limit of ", limit, " replay(s)")
	result, err := fuzzing.NewShrinker(session.replayer(), limit).Shrink(ctx, trace, entry.Failure)
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	if !result.Reproduced {
		cmdLogger.Warn("Trace ", entry.ID, " no longer fails with ", entry.Failure, ", nothing was stored")
		return nil
	}
	if result.LimitReached {
		cmdLogger.Warn("Shrink limit of ", limit, " replay(s) reached, the trace may not be minimal")
	}

	id, added, err := session.store.Put(&corpus.Entry{
		ID:             uuid.NewString(),
		Failure:        entry.Failure,
		Steps:          result.Trace.CorpusSteps(),
		Seed:           entry.Seed,
		Shrunk:         true,
		OriginalLength: entry.OriginalLength,
	})
	if err != nil {
		cmdLogger.Error("Failed to run the shrink command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	cmdLogger.Info(colors.Green, "Shrunk ", entry.Failure, " from ", result.OriginalLength, " to ", len(result.Trace),
		" step(s) in ", result.Replays, " replay(s)", colors.Reset)
	cmdLogger.Info("\n", result.Trace.String())
	if added {
		cmdLogger.Info("Stored as trace ", colors.Bold, id, colors.Reset)
	} else {
		cmdLogger.Info("Identical to stored trace ", colors.Bold, id, colors.Reset)
	}
	return nil
}
