package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/crytic/ammfuzz/cmd/exitcodes"
	"github.com/crytic/ammfuzz/fuzzing"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/spf13/cobra"
)

// replayCmd represents the command provider for replaying stored traces
var replayCmd = &cobra.Command{
	Use:   "replay [trace id]",
	Short: "Replays a stored failing trace against the pool",
	Long: `Replays a stored trace on a fresh machine instance and reports whether it still fails. The trace is selected
by id or with --record, using the failure record a campaign wrote for it. The ledger is restored afterwards.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: cmdValidFlagArgs,
	RunE:              cmdRunReplay,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	replayCmd.Flags().SortFlags = false
	addTraceFlags(replayCmd.Flags(), true)
	rootCmd.AddCommand(replayCmd)
}

// cmdRunReplay executes the CLI replay command. It returns an ExitCodeFailureFound error if the trace failed.
func cmdRunReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	session, err := openTraceSession(ctx, cmd, true)
	if err != nil {
		cmdLogger.Error("Failed to run the replay command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	entry, err := session.entry(cmd, args)
	if err != nil {
		cmdLogger.Error("Failed to run the replay command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	trace, err := fuzzing.TraceFromCorpus(entry.Steps)
	if err != nil {
		cmdLogger.Error("Failed to run the replay command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	cmdLogger.Info("Replaying trace ", colors.Bold, entry.ID, colors.Reset, " (", len(trace), " step(s), recorded as ",
		entry.Failure, ")")
	result, err := session.replayer().Replay(ctx, trace)
	if err != nil {
		cmdLogger.Error("Failed to run the replay command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	for i, step := range result.Trace {
		cmdLogger.Info(fmt.Sprintf("[%d] %s", i, step.String()))
	}
	if result.Failure == nil {
		cmdLogger.Info(colors.Green, "Trace ran to completion without failing", colors.Reset, " (", result.Executed,
			" step(s), ", result.Skipped, " skipped)")
		return nil
	}

	cmdLogger.Info(colors.Red, "Trace failed with ", colors.Bold, result.Failure.FailureName(), colors.Reset, ": ",
		result.Failure.Error())
	if !result.Reproduces(entry.Failure) {
		cmdLogger.Warn("The trace was stored for ", entry.Failure, " but failed with ", result.Failure.FailureName())
	}
	return exitcodes.NewErrorWithExitCode(result.Failure, exitcodes.ExitCodeFailureFound)
}
