package fuzzing

import (
	"strings"

	"github.com/crytic/ammfuzz/fuzzing/corpus"
	"github.com/crytic/ammfuzz/utils"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Step is one operation invocation: the operation name and its positional arguments, in the order of the operation's
// domains.
type Step struct {
	Operation string
	Args      []*uint256.Int
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	args := make([]*uint256.Int, len(s.Args))
	for i, a := range s.Args {
		args[i] = new(uint256.Int).Set(a)
	}
	return Step{Operation: s.Operation, Args: args}
}

// String renders the step as "operation(arg, ...)".
func (s Step) String() string {
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = a.Dec()
	}
	return s.Operation + "(" + strings.Join(args, ", ") + ")"
}

// Trace is the ordered list of steps executed by one example.
type Trace []Step

// Clone returns a deep copy of the trace.
func (t Trace) Clone() Trace {
	c := make(Trace, len(t))
	for i, s := range t {
		c[i] = s.Clone()
	}
	return c
}

// String renders one step per line.
func (t Trace) String() string {
	lines := make([]string, len(t))
	for i, s := range t {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}

// CorpusSteps converts the trace to its stored form.
func (t Trace) CorpusSteps() []corpus.Step {
	steps := make([]corpus.Step, len(t))
	for i, s := range t {
		args := make([]string, len(s.Args))
		for j, a := range s.Args {
			args[j] = a.Dec()
		}
		steps[i] = corpus.Step{Operation: s.Operation, Args: args}
	}
	return steps
}

// TraceFromCorpus converts a stored trace back.
func TraceFromCorpus(steps []corpus.Step) (Trace, error) {
	trace := make(Trace, len(steps))
	for i, s := range steps {
		args := make([]*uint256.Int, len(s.Args))
		for j, a := range s.Args {
			v, err := utils.ParseUint256(a)
			if err != nil {
				return nil, errors.Wrapf(err, "step %d (%s) has an invalid argument %q", i, s.Operation, a)
			}
			args[j] = v
		}
		trace[i] = Step{Operation: s.Operation, Args: args}
	}
	return trace, nil
}
