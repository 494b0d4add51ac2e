package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/crytic/ammfuzz/cmd/exitcodes"
	"github.com/crytic/ammfuzz/fuzzing"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/spf13/cobra"
)

// corpusCmd represents the corpus command group
var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage the stored failing traces",
	Long:  `Commands for inspecting the trace store and removing traces that no longer reproduce.`,
}

// corpusListCmd represents the corpus list subcommand
var corpusListCmd = &cobra.Command{
	Use:           "list",
	Short:         "Lists the stored traces",
	Args:          cobra.NoArgs,
	RunE:          cmdRunCorpusList,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// corpusShowCmd represents the corpus show subcommand
var corpusShowCmd = &cobra.Command{
	Use:           "show [trace id]",
	Short:         "Prints the steps of a stored trace",
	Args:          cobra.MaximumNArgs(1),
	RunE:          cmdRunCorpusShow,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// corpusCleanCmd represents the corpus clean subcommand
var corpusCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes traces that no longer reproduce their failure",
	Long: `Replays each stored trace against the pool. Traces that no longer fail with the failure they were stored
for, or that cannot be decoded, are removed from the store.

This command is useful after the pool was redeployed with a fix.`,
	Args:          cobra.NoArgs,
	RunE:          cmdRunCorpusClean,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	for _, cmd := range []*cobra.Command{corpusListCmd, corpusShowCmd, corpusCleanCmd} {
		cmd.Flags().SortFlags = false
		cmd.ValidArgsFunction = cmdValidFlagArgs
	}
	addStoreFlags(corpusListCmd.Flags())
	addStoreFlags(corpusShowCmd.Flags())
	corpusShowCmd.Flags().String("record", "", "path to a failure record whose trace should be shown")
	addTraceFlags(corpusCleanCmd.Flags(), false)
	corpusCleanCmd.Flags().Bool("dry-run", false, "report stale traces without removing them")

	// Add subcommands to corpus command
	corpusCmd.AddCommand(corpusListCmd, corpusShowCmd, corpusCleanCmd)

	// Add corpus command to root
	rootCmd.AddCommand(corpusCmd)
}

// cmdRunCorpusList executes the corpus list command
func cmdRunCorpusList(cmd *cobra.Command, args []string) error {
	session, err := openTraceSession(context.Background(), cmd, false)
	if err != nil {
		cmdLogger.Error("Failed to run the corpus list command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	entries, err := session.store.Entries()
	if err != nil {
		cmdLogger.Error("Failed to run the corpus list command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	cmdLogger.Info(colors.Bold, len(entries), colors.Reset, " trace(s) in ", session.store.Path())
	for _, entry := range entries {
		shrunk := ""
		if entry.Shrunk {
			shrunk = fmt.Sprintf(", shrunk from %d", entry.OriginalLength)
		}
		cmdLogger.Info(fmt.Sprintf("%s  %-24s %3d step(s)%s  seed %d  %s", entry.ID, entry.Failure, len(entry.Steps),
			shrunk, entry.Seed, time.Unix(entry.Created, 0).Format(time.RFC3339)))
	}
	return nil
}

// cmdRunCorpusShow executes the corpus show command
func cmdRunCorpusShow(cmd *cobra.Command, args []string) error {
	session, err := openTraceSession(context.Background(), cmd, false)
	if err != nil {
		cmdLogger.Error("Failed to run the corpus show command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	entry, err := session.entry(cmd, args)
	if err != nil {
		cmdLogger.Error("Failed to run the corpus show command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	trace, err := fuzzing.TraceFromCorpus(entry.Steps)
	if err != nil {
		cmdLogger.Error("Failed to run the corpus show command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	cmdLogger.Info("Trace ", colors.Bold, entry.ID, colors.Reset, " reproduces ", colors.Bold, entry.Failure,
		colors.Reset, " (seed ", entry.Seed, ")")
	cmdLogger.Info("\n", trace.String())
	return nil
}

// cmdRunCorpusClean executes the corpus clean command
func cmdRunCorpusClean(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		cmdLogger.Error("Failed to run the corpus clean command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	session, err := openTraceSession(ctx, cmd, true)
	if err != nil {
		cmdLogger.Error("Failed to run the corpus clean command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	cmdLogger.Info("Validating the traces in: ", colors.Bold, session.store.Path(), colors.Reset)
	start := time.Now()
	result, err := fuzzing.NewCorpusCleaner(session.store, session.replayer()).Clean(ctx, dryRun)
	if err != nil {
		cmdLogger.Error("Error during corpus cleaning", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	cmdLogger.Info("Corpus cleaning completed in ", time.Since(start).Round(time.Millisecond))

	// Report results
	invalidCount := len(result.InvalidTraces)
	cmdLogger.Info(
		"Results: ",
		colors.Bold, result.ValidTraces, colors.Reset, " valid, ",
		colors.Bold, invalidCount, colors.Reset, " invalid out of ",
		colors.Bold, result.TotalTraces, colors.Reset, " total traces",
	)
	if invalidCount > 0 && !dryRun {
		cmdLogger.Info(colors.Bold, invalidCount, colors.Reset, " invalid trace(s) removed from the store")
	}
	return nil
}
