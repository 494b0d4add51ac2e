package cmd

import (
	"fmt"

	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/spf13/cobra"
)

// addFuzzFlags adds the various flags for the fuzz command
func addFuzzFlags() error {
	defaultConfig := config.GetDefaultProjectConfig()

	// Prevent alphabetical sorting of usage message
	fuzzCmd.Flags().SortFlags = false

	// Pool, actors, node and output
	addPoolFlags(fuzzCmd.Flags())

	// Number of workers
	fuzzCmd.Flags().Int("workers", 0,
		fmt.Sprintf("number of fuzzer workers (unless a config file is provided, default is %d)", defaultConfig.Fuzzing.Workers))

	// Timeout
	fuzzCmd.Flags().Int("timeout", 0,
		fmt.Sprintf("number of seconds to run the campaign for (unless a config file is provided, default is %d). 0 means that timeout is not enforced", defaultConfig.Fuzzing.Timeout))

	// Example count
	fuzzCmd.Flags().Int("max-examples", 0,
		fmt.Sprintf("number of examples to run (unless a config file is provided, default is %d)", defaultConfig.Fuzzing.MaxExamples))

	// Steps per example
	fuzzCmd.Flags().Int("steps", 0,
		fmt.Sprintf("maximum steps per example (unless a config file is provided, default is %d)", defaultConfig.Fuzzing.StatefulStepCount))

	// Seed
	fuzzCmd.Flags().Int64("seed", 0, "base seed of the campaign. 0 picks one from the clock")

	// Failure directory
	fuzzCmd.Flags().String("failure-dir", "",
		fmt.Sprintf("directory for failure records and the trace store (unless a config file is provided, default is %q)", defaultConfig.Fuzzing.FailureDirectory))

	// Stop on failure
	fuzzCmd.Flags().Bool("stop-on-failure", false,
		fmt.Sprintf("stop the campaign at the first failure (unless a config file is provided, default is %t)", defaultConfig.Fuzzing.StopOnFailure))

	// Shrinking
	fuzzCmd.Flags().Bool("no-shrink", false, "store failing traces without minimizing them")

	// Metrics
	fuzzCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. localhost:9090")
	return nil
}

// updateProjectConfigWithFuzzFlags will update the given projectConfig with any CLI arguments that were provided to the fuzz command
func updateProjectConfigWithFuzzFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	var err error
	flags := cmd.Flags()

	// Update number of workers
	if flags.Changed("workers") {
		if projectConfig.Fuzzing.Workers, err = flags.GetInt("workers"); err != nil {
			return err
		}
	}

	// Update timeout
	if flags.Changed("timeout") {
		if projectConfig.Fuzzing.Timeout, err = flags.GetInt("timeout"); err != nil {
			return err
		}
	}

	// Update example count
	if flags.Changed("max-examples") {
		if projectConfig.Fuzzing.MaxExamples, err = flags.GetInt("max-examples"); err != nil {
			return err
		}
	}

	// Update steps per example
	if flags.Changed("steps") {
		if projectConfig.Fuzzing.StatefulStepCount, err = flags.GetInt("steps"); err != nil {
			return err
		}
	}

	// Update seed
	if flags.Changed("seed") {
		if projectConfig.Fuzzing.Seed, err = flags.GetInt64("seed"); err != nil {
			return err
		}
	}

	// Update failure directory
	if flags.Changed("failure-dir") {
		if projectConfig.Fuzzing.FailureDirectory, err = flags.GetString("failure-dir"); err != nil {
			return err
		}
	}

	// Update stop on failure
	if flags.Changed("stop-on-failure") {
		if projectConfig.Fuzzing.StopOnFailure, err = flags.GetBool("stop-on-failure"); err != nil {
			return err
		}
	}

	// Update shrinking
	if flags.Changed("no-shrink") {
		noShrink, err := flags.GetBool("no-shrink")
		if err != nil {
			return err
		}
		projectConfig.Fuzzing.ShrinkEnabled = !noShrink
	}

	// Update metrics address
	if flags.Changed("metrics-addr") {
		if projectConfig.Fuzzing.MetricsAddress, err = flags.GetString("metrics-addr"); err != nil {
			return err
		}
	}
	return nil
}
