package fuzzing

import (
	"context"

	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/logging/colors"
	"github.com/pkg/errors"
)

// CorpusCleaner removes stored traces that no longer reproduce their failure, e.g. after the pool was redeployed with
// a fix.
type CorpusCleaner struct {
	// store is the trace store to be cleaned
	store *corpus.Store
	// replayer executes the stored traces
	replayer *Replayer
	// logger is used to log when cleaning and on error
	logger *logging.Logger
}

// CleanResult contains the results of a corpus cleaning operation.
type CleanResult struct {
	// TotalTraces is the number of traces in the store before cleaning.
	TotalTraces int
	// ValidTraces is the number of traces that still reproduce their failure.
	ValidTraces int
	// InvalidTraces are the ids of the traces that did not reproduce, or could not be decoded.
	InvalidTraces []string
}

// NewCorpusCleaner creates a new CorpusCleaner.
func NewCorpusCleaner(store *corpus.Store, replayer *Replayer) *CorpusCleaner {
	return &CorpusCleaner{
		store:    store,
		replayer: replayer,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.CORPUS_SERVICE),
	}
}

// Clean replays every stored trace and deletes the ones that no longer fail with their recorded failure, unless dryRun
// is true.
func (cc *CorpusCleaner) Clean(ctx context.Context, dryRun bool) (*CleanResult, error) {
	entries, err := cc.store.Entries()
	if err != nil {
		return nil, err
	}

	result := &CleanResult{TotalTraces: len(entries)}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, errors.WithStack(err)
		}

		valid := false
		trace, err := TraceFromCorpus(entry.Steps)
		if err != nil {
			cc.logger.Warn("Trace ", entry.ID, " could not be decoded", err)
		} else {
			replay, err := cc.replayer.Replay(ctx, trace)
			if err != nil {
				return result, errors.Wrapf(err, "could not replay trace %s", entry.ID)
			}
			valid = replay.Reproduces(entry.Failure)
		}

		if valid {
			result.ValidTraces++
			continue
		}
		result.InvalidTraces = append(result.InvalidTraces, entry.ID)
		cc.logger.Info("Trace ", colors.Bold, entry.ID, colors.Reset, " no longer reproduces ", entry.Failure)
		if !dryRun {
			if err := cc.store.Delete(entry.ID); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}
