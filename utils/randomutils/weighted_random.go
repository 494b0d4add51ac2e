package randomutils

import (
	"math/rand"

	"github.com/pkg/errors"
)

// WeightedRandomChoice wraps a value with the weight it carries in a WeightedRandomChooser.
type WeightedRandomChoice[T any] struct {
	// Data is returned when this choice is selected.
	Data T

	// weight is this choice's share of the chooser's total weight.
	weight uint64
}

// NewWeightedRandomChoice creates a WeightedRandomChoice. A zero weight makes the choice unselectable.
func NewWeightedRandomChoice[T any](data T, weight uint64) *WeightedRandomChoice[T] {
	return &WeightedRandomChoice[T]{Data: data, weight: weight}
}

// WeightedRandomChooser selects among weighted choices using a caller-owned random source. It is not safe for
// concurrent use; each fuzzing worker owns its own chooser and source.
type WeightedRandomChooser[T any] struct {
	choices     []*WeightedRandomChoice[T]
	totalWeight uint64
	random      *rand.Rand
}

// NewWeightedRandomChooser creates an empty chooser drawing from random.
func NewWeightedRandomChooser[T any](random *rand.Rand) *WeightedRandomChooser[T] {
	return &WeightedRandomChooser[T]{random: random}
}

// ChoiceCount returns the number of choices added so far.
func (c *WeightedRandomChooser[T]) ChoiceCount() int {
	return len(c.choices)
}

// AddChoices adds choices to the chooser.
func (c *WeightedRandomChooser[T]) AddChoices(choices ...*WeightedRandomChoice[T]) {
	for _, choice := range choices {
		c.totalWeight += choice.weight
	}
	c.choices = append(c.choices, choices...)
}

// Choose returns a choice with probability proportional to its weight.
func (c *WeightedRandomChooser[T]) Choose() (T, error) {
	var zero T
	if len(c.choices) == 0 || c.totalWeight == 0 {
		return zero, errors.New("could not return a weighted random choice because no choices exist with non-zero weights")
	}

	position := c.random.Uint64() % c.totalWeight
	for _, choice := range c.choices {
		if position < choice.weight {
			return choice.Data, nil
		}
		position -= choice.weight
	}
	return zero, errors.New("could not obtain a weighted random choice, selected position does not exist")
}
