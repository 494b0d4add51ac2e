package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/crytic/ammfuzz/cmd/exitcodes"
	"github.com/crytic/ammfuzz/fuzzing"
	"github.com/spf13/cobra"
)

// fuzzCmd represents the command provider for fuzzing
var fuzzCmd = &cobra.Command{
	Use:               "fuzz",
	Short:             "Starts a fuzzing campaign against a pool",
	Long:              `Starts a fuzzing campaign: random operation sequences are run against the pool, its invariants are checked after every step, and failing sequences are recorded, shrunk and stored.`,
	Args:              cmdValidateFuzzArgs,
	ValidArgsFunction: cmdValidFlagArgs,
	RunE:              cmdRunFuzz,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	// Add all the flags allowed for the fuzz command
	err := addFuzzFlags()
	if err != nil {
		cmdLogger.Panic("Failed to initialize the fuzz command", err)
	}

	// Add the fuzz command and its associated flags to the root command
	rootCmd.AddCommand(fuzzCmd)
}

// cmdValidateFuzzArgs makes sure that there are no positional arguments provided to the fuzz command
func cmdValidateFuzzArgs(cmd *cobra.Command, args []string) error {
	// Make sure we have no positional args
	if err := cobra.NoArgs(cmd, args); err != nil {
		err = fmt.Errorf("fuzz does not accept any positional arguments, only flags and their associated values")
		cmdLogger.Error("Failed to validate args to the fuzz command", err)
		return err
	}
	return nil
}

// cmdRunFuzz executes the CLI fuzz command. It returns an ExitCodeFailureFound error if any failure was found.
func cmdRunFuzz(cmd *cobra.Command, args []string) error {
	projectConfig, err := loadProjectConfig(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the fuzz command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	// Update the project configuration given whatever flags were set using the CLI
	err = updateProjectConfigWithFuzzFlags(cmd, projectConfig)
	if err != nil {
		cmdLogger.Error("Failed to run the fuzz command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	closeLogs, err := setupLogging(projectConfig)
	if err != nil {
		cmdLogger.Error("Failed to run the fuzz command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer closeLogs()

	fuzzer, err := fuzzing.NewFuzzer(*projectConfig)
	if err != nil {
		cmdLogger.Error("Failed to run the fuzz command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	// Stop our fuzzing on keyboard interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	go func() {
		if _, ok := <-c; ok {
			cmdLogger.Info("Interrupt received, stopping the campaign")
			fuzzer.Stop()
		}
	}()

	if err = fuzzer.Start(); err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeFuzzerError)
	}

	// If we found failures, we'll want to return a special exit code
	if reports := fuzzer.Results().Failures(); len(reports) > 0 {
		return exitcodes.NewErrorWithExitCode(fmt.Errorf("%d failure(s) found", len(reports)), exitcodes.ExitCodeFailureFound)
	}
	return nil
}
