package cmd

import (
	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/spf13/cobra"
)

// addInitFlags adds the various flags for the init command
func addInitFlags() error {
	// Output path for configuration
	initCmd.Flags().String("out", "", "output path for the new project configuration file")
	initCmd.Flags().Bool("force", false, "overwrite an existing configuration file without asking")

	// Pool and node
	initCmd.Flags().String("pool", "", "address of the pool under test")
	initCmd.Flags().String("admin", "", "address of the pool administrator")
	initCmd.Flags().String("rpc", "", "JSON-RPC endpoint of the node hosting the pool")
	return nil
}

// updateProjectConfigWithInitFlags will update the given projectConfig with any CLI arguments that were provided to the init command
func updateProjectConfigWithInitFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	return updateProjectConfigWithPoolFlags(cmd, projectConfig)
}
