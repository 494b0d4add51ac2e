package cmd

import (
	"fmt"

	"github.com/crytic/ammfuzz/version"
	"github.com/spf13/cobra"
)

// versionCmd represents the version command that displays build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	Long: `Print the version of ammfuzz, the configuration schema version it writes, and the Go version used to
compile the binary.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(version.String())
	},
}

func init() {
	rootCmd.Version = version.Short()
	rootCmd.AddCommand(versionCmd)
}
