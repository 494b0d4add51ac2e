package fuzzing

import (
	"context"

	"github.com/crytic/ammfuzz/logging"
	"github.com/crytic/ammfuzz/utils"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// errShrinkLimitReached stops minimization once the replay budget is spent.
var errShrinkLimitReached = errors.New("shrink limit reached")

// ShrinkResult is the outcome of minimizing a failing trace.
type ShrinkResult struct {
	// Trace is the smallest reproducing trace found. It is the input trace if the failure did not reproduce.
	Trace Trace
	// OriginalLength is the step count of the input trace.
	OriginalLength int
	// Reproduced is false when replaying the input trace did not produce the failure.
	Reproduced bool
	// Failure is the failure produced by the final trace.
	Failure Failure
	// Replays is the number of replays spent.
	Replays int
	// LimitReached is true when minimization stopped because the replay budget ran out.
	LimitReached bool
}

// Shrinker minimizes failing traces by replaying candidate reductions. A candidate is kept when it fails with the
// same failure name as the original.
//
// Minimization proceeds in three phases: the trace is cut after the failing step, chunks of steps are deleted with
// chunk sizes halving from half the trace down to single steps, and finally each argument is lowered toward the
// minimum of its domain by binary search.
type Shrinker struct {
	replayer *Replayer
	limit    int
	logger   *logging.Logger

	// OnReplay, if set, is called before every replay.
	OnReplay func()

	replays int
	target  string
	nCoins  int
	last    Failure
}

// NewShrinker creates a shrinker that spends at most limit replays per trace. A non-positive limit is unbounded.
func NewShrinker(replayer *Replayer, limit int) *Shrinker {
	return &Shrinker{
		replayer: replayer,
		limit:    limit,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.FUZZING_SERVICE),
	}
}

// Shrink minimizes trace, which is expected to fail with the failure named target.
func (s *Shrinker) Shrink(ctx context.Context, trace Trace, target string) (result *ShrinkResult, err error) {
	s.replays, s.target, s.last = 0, target, nil
	result = &ShrinkResult{Trace: trace.Clone(), OriginalLength: len(trace)}
	defer func() {
		if result != nil {
			result.Replays = s.replays
		}
	}()

	best, ok, err := s.try(ctx, trace)
	if err != nil {
		if errors.Is(err, errShrinkLimitReached) {
			result.LimitReached = true
			return result, nil
		}
		return nil, err
	}
	if !ok {
		s.logger.Warn("Failure ", target, " did not reproduce on replay, the trace is kept as is")
		return result, nil
	}
	result.Reproduced = true

	best, err = s.deleteChunks(ctx, best)
	if err == nil {
		best, err = s.lowerArguments(ctx, best)
	}
	if err != nil && !errors.Is(err, errShrinkLimitReached) {
		return nil, err
	}
	result.LimitReached = errors.Is(err, errShrinkLimitReached)
	result.Trace = best
	result.Failure = s.last
	s.logger.Debug("Shrunk ", target, " from ", result.OriginalLength, " to ", len(best), " steps in ", s.replays, " replays")
	return result, nil
}

// try replays candidate and returns it cut after its failing step if it reproduces the target.
func (s *Shrinker) try(ctx context.Context, candidate Trace) (Trace, bool, error) {
	if s.limit > 0 && s.replays >= s.limit {
		return nil, false, errShrinkLimitReached
	}
	s.replays++
	if s.OnReplay != nil {
		s.OnReplay()
	}
	result, err := s.replayer.Replay(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	if !result.Reproduces(s.target) {
		return nil, false, nil
	}
	s.nCoins = result.NCoins
	s.last = result.Failure
	if result.FailedStep < 0 {
		return Trace{}, true, nil
	}
	return result.Trace, true, nil
}

// deleteChunks removes runs of steps, repeating until a full pass removes nothing.
func (s *Shrinker) deleteChunks(ctx context.Context, best Trace) (Trace, error) {
	for progress := true; progress; {
		progress = false
		for chunk := len(best) / 2; chunk >= 1; chunk /= 2 {
			for start := 0; start+chunk <= len(best); {
				reduced, ok, err := s.try(ctx, utils.SliceWithout(best, start, start+chunk))
				if err != nil {
					return best, err
				}
				if ok {
					best, progress = reduced, true
					continue
				}
				start += chunk
			}
		}
	}
	return best, nil
}

// lowerArguments moves each argument toward its domain minimum, keeping the smallest value that still reproduces.
func (s *Shrinker) lowerArguments(ctx context.Context, best Trace) (Trace, error) {
	for stepIndex := 0; stepIndex < len(best); stepIndex++ {
		op, ok := operationByName(best[stepIndex].Operation)
		if !ok {
			continue
		}
		domains := op.Domains(s.replayer.config, s.nCoins)
		for argIndex := 0; stepIndex < len(best) && argIndex < len(best[stepIndex].Args) && argIndex < len(domains); argIndex++ {
			var err error
			if best, err = s.lowerArgument(ctx, best, stepIndex, argIndex, domains[argIndex].Min); err != nil {
				return best, err
			}
		}
	}
	return best, nil
}

func (s *Shrinker) lowerArgument(ctx context.Context, best Trace, stepIndex int, argIndex int, min *uint256.Int) (Trace, error) {
	current := best[stepIndex].Args[argIndex]
	if !current.Gt(min) {
		return best, nil
	}

	reduced, ok, err := s.try(ctx, withArgument(best, stepIndex, argIndex, min))
	if err != nil || ok {
		if ok {
			best = reduced
		}
		return best, err
	}

	// min does not reproduce and current does: search between them.
	lo, hi := new(uint256.Int).Set(min), new(uint256.Int).Set(current)
	one := uint256.NewInt(1)
	for new(uint256.Int).Sub(hi, lo).Gt(one) && stepIndex < len(best) && argIndex < len(best[stepIndex].Args) {
		mid := new(uint256.Int).Sub(hi, lo)
		mid.Rsh(mid, 1).Add(mid, lo)
		reduced, ok, err := s.try(ctx, withArgument(best, stepIndex, argIndex, mid))
		if err != nil {
			return best, err
		}
		if ok {
			best, hi = reduced, mid
		} else {
			lo = mid
		}
	}
	return best, nil
}

// withArgument returns a copy of trace with one argument replaced.
func withArgument(trace Trace, stepIndex int, argIndex int, value *uint256.Int) Trace {
	candidate := trace.Clone()
	candidate[stepIndex].Args[argIndex] = new(uint256.Int).Set(value)
	return candidate
}

func operationByName(name string) (Operation, bool) {
	for _, op := range Operations() {
		if op.Name() == name {
			return op, true
		}
	}
	return nil, false
}
