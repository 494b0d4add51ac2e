package cmd

import (
	"context"
	"path/filepath"

	"github.com/crytic/ammfuzz/fuzzing"
	"github.com/crytic/ammfuzz/fuzzing/config"
	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/fuzzing/failures"
	"github.com/crytic/ammfuzz/ledger"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// traceSession holds what the commands working on stored traces share: the project configuration, the trace store
// and, for commands that execute traces, a ledger connected to the first configured endpoint.
type traceSession struct {
	projectConfig *config.ProjectConfig
	machineConfig *fuzzing.MachineConfig
	store         *corpus.Store
	ledger        *ledger.RPCLedger
	closeLogs     func()
}

// openTraceSession loads the project configuration of cmd, sets up logging and opens the trace store. If connect is
// true, the configuration is validated and the ledger is connected.
func openTraceSession(ctx context.Context, cmd *cobra.Command, connect bool) (*traceSession, error) {
	projectConfig, err := loadProjectConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Lookup("failure-dir") != nil && cmd.Flags().Changed("failure-dir") {
		if projectConfig.Fuzzing.FailureDirectory, err = cmd.Flags().GetString("failure-dir"); err != nil {
			return nil, err
		}
	}

	session := &traceSession{projectConfig: projectConfig}
	if session.closeLogs, err = setupLogging(projectConfig); err != nil {
		return nil, err
	}
	if connect {
		if err = projectConfig.Validate(); err != nil {
			session.Close()
			return nil, err
		}
		if session.machineConfig, err = fuzzing.NewMachineConfig(projectConfig); err != nil {
			session.Close()
			return nil, err
		}
	}

	session.store, err = corpus.Open(filepath.Join(projectConfig.Fuzzing.FailureDirectory, corpus.DefaultFileName))
	if err != nil {
		session.Close()
		return nil, err
	}
	if connect {
		session.ledger, err = fuzzing.ConnectLedger(ctx, projectConfig, projectConfig.Chain.Endpoints()[0])
		if err != nil {
			session.Close()
			return nil, err
		}
	}
	return session, nil
}

// Close releases the ledger, the store and the log file.
func (s *traceSession) Close() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			cmdLogger.Warn("Could not close the ledger", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			cmdLogger.Warn("Could not close the trace store", err)
		}
	}
	if s.closeLogs != nil {
		s.closeLogs()
	}
}

// replayer returns a replayer running on the session ledger. Replays never write failure records.
func (s *traceSession) replayer() *fuzzing.Replayer {
	return fuzzing.NewReplayer(s.ledger, s.machineConfig, failures.Discard)
}

// entry resolves the stored trace a command refers to: the id given as the only positional argument, or the trace of
// the failure record given with --record.
func (s *traceSession) entry(cmd *cobra.Command, args []string) (*corpus.Entry, error) {
	recordPath, err := cmd.Flags().GetString("record")
	if err != nil {
		return nil, err
	}
	switch {
	case recordPath != "" && len(args) > 0:
		return nil, errors.New("provide either a trace id or --record, not both")
	case recordPath != "":
		record, err := failures.Load(recordPath)
		if err != nil {
			return nil, err
		}
		return s.store.Get(record.ID)
	case len(args) == 1:
		return s.store.Get(args[0])
	default:
		return nil, errors.New("a trace id or --record is required")
	}
}

// addStoreFlags adds the flags of the commands that only read the failure directory.
func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to config file")
	flags.String("failure-dir", "", "directory holding the failure records and the trace store")
	flags.Bool("no-color", false, "disable colored terminal output")
}

// addTraceFlags adds the flags of the commands executing stored traces. If selectsTrace is true, --record is added to
// select the trace by failure record.
func addTraceFlags(flags *pflag.FlagSet, selectsTrace bool) {
	addPoolFlags(flags)
	flags.String("failure-dir", "", "directory holding the failure records and the trace store")
	if selectsTrace {
		flags.String("record", "", "path to a failure record whose trace should be used")
	}
}
