package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/crytic/ammfuzz/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// loadProjectConfig resolves the project configuration of a command:
// #1: We will search for either a custom config file (via --config) or the default (ammfuzz.json).
// If we find it, read it. If we can't read it, throw an error.
// #2: If a custom file was provided (--config was used), and we can't find the file, throw an error.
// #3: If ammfuzz.json can't be found, use the default project configuration.
// Environment variables are then applied on top, followed by the pool and chain flags.
func loadProjectConfig(cmd *cobra.Command) (*config.ProjectConfig, error) {
	var projectConfig *config.ProjectConfig

	// Check to see if --config flag was used and store the value of --config flag
	configFlagUsed := cmd.Flags().Changed("config")
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	// If --config was not used, look for `ammfuzz.json` in the current work directory
	if !configFlagUsed {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(workingDirectory, DefaultProjectConfigFilename)
	}

	// Check to see if the file exists at configPath
	_, existenceError := os.Stat(configPath)
	switch {
	case existenceError == nil:
		cmdLogger.Info("Reading the configuration file at: ", colors.Bold, configPath, colors.Reset)
		projectConfig, err = config.ReadProjectConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	case configFlagUsed:
		return nil, existenceError
	default:
		cmdLogger.Warn(fmt.Sprintf("Unable to find the config file at %v, will use the default project configuration", configPath))
		projectConfig = config.GetDefaultProjectConfig()
	}

	if overridden := projectConfig.ApplyEnvironment(); len(overridden) > 0 {
		cmdLogger.Info("Configuration overridden from the environment: ", strings.Join(overridden, ", "))
	}
	if err = updateProjectConfigWithPoolFlags(cmd, projectConfig); err != nil {
		return nil, err
	}
	return projectConfig, nil
}

// addPoolFlags adds the flags locating the pool, its actors and the node. They take precedence over the config file
// and the environment.
func addPoolFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to config file")
	flags.String("pool", "", "address of the pool under test (overrides POOL_ADDRESS)")
	flags.String("admin", "", "address of the pool administrator, enables ramp_A (overrides ADMIN_ADDRESS)")
	flags.StringSlice("senders", []string{}, "account address(es) submitting operations")
	flags.String("rpc", "", "JSON-RPC endpoint of the node hosting the pool (overrides RPC_ENDPOINT)")
	flags.Bool("strict-reads", false, "fail examples on unexpected pool read failures instead of defaulting the value")
	flags.Bool("no-color", false, "disable colored terminal output")
}

// updateProjectConfigWithPoolFlags will update the given projectConfig with the pool flags that were provided
func updateProjectConfigWithPoolFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	var err error
	flags := cmd.Flags()

	if flags.Changed("pool") {
		if projectConfig.Pool.Address, err = flags.GetString("pool"); err != nil {
			return err
		}
	}
	if flags.Changed("admin") {
		if projectConfig.Pool.AdminAddress, err = flags.GetString("admin"); err != nil {
			return err
		}
	}
	if flags.Changed("senders") {
		if projectConfig.Pool.SenderAddresses, err = flags.GetStringSlice("senders"); err != nil {
			return err
		}
	}
	if flags.Changed("rpc") {
		if projectConfig.Chain.RPCEndpoint, err = flags.GetString("rpc"); err != nil {
			return err
		}
	}
	if flags.Changed("strict-reads") {
		if projectConfig.Fuzzing.StrictReads, err = flags.GetBool("strict-reads"); err != nil {
			return err
		}
	}
	if flags.Changed("no-color") {
		if projectConfig.Logging.NoColor, err = flags.GetBool("no-color"); err != nil {
			return err
		}
	}
	return nil
}

// setupLogging points logging.GlobalLogger at stdout and, if a log directory is configured, at a structured log file.
// The returned function closes the log file.
func setupLogging(projectConfig *config.ProjectConfig) (func(), error) {
	if projectConfig.Logging.NoColor {
		colors.DisableColor()
	}
	logging.GlobalLogger = logging.NewLogger(projectConfig.Logging.Level)
	logging.GlobalLogger.AddWriter(os.Stdout, logging.UNSTRUCTURED, !projectConfig.Logging.NoColor)
	if projectConfig.Logging.LogDirectory == "" {
		return func() {}, nil
	}

	fileName := DefaultLogFilePrefix + time.Now().Format("20060102-150405") + ".log"
	file, err := utils.CreateFile(projectConfig.Logging.LogDirectory, fileName)
	if err != nil {
		return nil, err
	}
	logging.GlobalLogger.AddWriter(file, logging.STRUCTURED, false)
	cmdLogger.Info("Writing structured logs to: ", colors.Bold, file.Name(), colors.Reset)
	return func() {
		logging.GlobalLogger.RemoveWriter(file, logging.STRUCTURED, false)
		_ = file.Close()
	}, nil
}

// cmdValidFlagArgs completes the unused flags of commands taking no positional arguments.
func cmdValidFlagArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	// Gather a list of flags that are available to be used in the current command but have not been used yet
	var unusedFlags []string
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			unusedFlags = append(unusedFlags, "--"+flag.Name)
		}
	})
	return unusedFlags, cobra.ShellCompDirectiveNoFileComp
}
