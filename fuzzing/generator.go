package fuzzing

import (
	"math/rand"

	"github.com/crytic/ammfuzz/utils"
	"github.com/crytic/ammfuzz/utils/randomutils"
	"github.com/holiman/uint256"
)

// boundaryBias is the one-in-n chance of drawing a domain endpoint instead of a uniform value.
const boundaryBias = 8

// Generator draws random steps for a machine.
type Generator struct {
	random  *rand.Rand
	weights func(operation string) uint64
}

// NewGenerator creates a generator drawing from random. weights gives each operation's selection weight; nil means
// equal weights.
func NewGenerator(random *rand.Rand, weights func(operation string) uint64) *Generator {
	if weights == nil {
		weights = func(string) uint64 { return 1 }
	}
	return &Generator{random: random, weights: weights}
}

// Next draws an eligible operation by weight and samples its arguments. It returns false when no operation is
// eligible.
func (g *Generator) Next(m *Machine) (Step, bool) {
	chooser := randomutils.NewWeightedRandomChooser[Operation](g.random)
	for _, op := range m.Eligible() {
		chooser.AddChoices(randomutils.NewWeightedRandomChoice(op, g.weights(op.Name())))
	}
	op, err := chooser.Choose()
	if err != nil {
		return Step{}, false
	}

	domains := op.Domains(m.Config(), m.NCoins())
	args := make([]*uint256.Int, len(domains))
	for i, d := range domains {
		args[i] = g.sample(d)
	}
	return Step{Operation: op.Name(), Args: args}, true
}

func (g *Generator) sample(d Domain) *uint256.Int {
	switch g.random.Intn(boundaryBias) {
	case 0:
		if g.random.Intn(2) == 0 {
			return new(uint256.Int).Set(d.Min)
		}
		return new(uint256.Int).Set(d.Max)
	default:
		return utils.RandomUint256InRange(g.random.Uint64, d.Min, d.Max)
	}
}
