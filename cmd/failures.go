package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/crytic/ammfuzz/cmd/exitcodes"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/spf13/cobra"
)

// failuresCmd represents the command listing failure records
var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Lists the failure records of past campaigns",
	Long: `Lists the failure records in the failure directory, with the trace id each one can be replayed with.
Records are listed by block.`,
	Args:              cobra.NoArgs,
	ValidArgsFunction: cmdValidFlagArgs,
	RunE:              cmdRunFailures,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	failuresCmd.Flags().SortFlags = false
	addStoreFlags(failuresCmd.Flags())
	failuresCmd.Flags().String("name", "", "only list records with this failure name")
	rootCmd.AddCommand(failuresCmd)
}

// cmdRunFailures executes the failures command
func cmdRunFailures(cmd *cobra.Command, args []string) error {
	session, err := openTraceSession(context.Background(), cmd, false)
	if err != nil {
		cmdLogger.Error("Failed to run the failures command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	defer session.Close()

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		cmdLogger.Error("Failed to run the failures command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	records, err := failures.List(session.projectConfig.Fuzzing.FailureDirectory)
	if err != nil {
		cmdLogger.Error("Failed to run the failures command", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Block < records[j].Block })

	listed := 0
	for _, record := range records {
		if name != "" && record.Name != name {
			continue
		}
		listed++
		trace := "no stored trace"
		if _, err := session.store.Get(record.ID); err == nil {
			trace = "trace " + record.ID
		}
		cmdLogger.Info(fmt.Sprintf("block %-8d %-24s %-32s %s", record.Block, record.Name, record.Info, trace))
	}
	cmdLogger.Info(colors.Bold, listed, colors.Reset, " failure record(s) in ", session.projectConfig.Fuzzing.FailureDirectory)
	return nil
}
