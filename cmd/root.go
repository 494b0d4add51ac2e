package cmd

import (
	"os"

	"github.com/crytic/ammfuzz/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cmdLogger is the logger used by the commands themselves. It prints to stdout from the start, unlike
// logging.GlobalLogger which stays disabled until a command has read its project configuration.
var cmdLogger = logging.NewLogger(zerolog.InfoLevel)

var rootCmd = &cobra.Command{
	Use:   "ammfuzz",
	Short: "A stateful fuzzing harness for stableswap pools",
	Long: `ammfuzz drives a deployed stableswap pool through random sequences of swaps, deposits, withdrawals and
amplification ramps on a development node, checks the pool's invariants after every step, and records, minimizes
and stores the sequences that break them.`,
}

func init() {
	cmdLogger.AddWriter(os.Stdout, logging.UNSTRUCTURED, true)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
