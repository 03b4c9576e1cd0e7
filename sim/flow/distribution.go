package flow

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// DurationSampler draws durations in simulation time units.
type DurationSampler interface {
	// Sample returns a non-negative duration.
	Sample(rng *rand.Rand) float64
}

// ConstantSampler always returns the mean.
type ConstantSampler struct {
	value float64
}

func (s *ConstantSampler) Sample(*rand.Rand) float64 { return s.value }

// ExponentialSampler draws exponentially distributed durations.
type ExponentialSampler struct {
	mean float64
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) float64 {
	return rng.ExpFloat64() * s.mean
}

// NormalSampler draws Gaussian durations clamped at zero.
type NormalSampler struct {
	mean, stdDev float64
}

func (s *NormalSampler) Sample(rng *rand.Rand) float64 {
	if s.stdDev == 0 {
		return s.mean
	}
	return math.Max(0, rng.NormFloat64()*s.stdDev+s.mean)
}

// NewSampler builds the sampler described by d. An empty type means constant.
func NewSampler(d Distribution) (DurationSampler, error) {
	if d.Mean < 0 || d.StdDev < 0 || math.IsNaN(d.Mean) || math.IsNaN(d.StdDev) {
		return nil, fmt.Errorf("distribution %q: mean and std_dev must be >= 0", d.Type)
	}
	switch d.Type {
	case "", "constant":
		return &ConstantSampler{value: d.Mean}, nil
	case "exponential":
		return &ExponentialSampler{mean: d.Mean}, nil
	case "normal":
		return &NormalSampler{mean: d.Mean, stdDev: d.StdDev}, nil
	}
	return nil, fmt.Errorf("unknown distribution type %q", d.Type)
}

// typePicker draws item types from a weighted mix.
type typePicker struct {
	names      []string
	cumWeights []float64
}

const defaultItemType = "item"

func newTypePicker(types []ItemType) (*typePicker, error) {
	if len(types) == 0 {
		return &typePicker{names: []string{defaultItemType}, cumWeights: []float64{1}}, nil
	}
	p := &typePicker{}
	total := 0.0
	for _, t := range types {
		if t.Weight <= 0 {
			return nil, fmt.Errorf("item type %q: weight must be > 0", t.Name)
		}
		total += t.Weight
		p.names = append(p.names, t.Name)
		p.cumWeights = append(p.cumWeights, total)
	}
	for i := range p.cumWeights {
		p.cumWeights[i] /= total
	}
	return p, nil
}

func (p *typePicker) pick(rng *rand.Rand) string {
	if len(p.names) == 1 {
		return p.names[0]
	}
	u := rng.Float64()
	i := sort.SearchFloat64s(p.cumWeights, u)
	if i >= len(p.names) {
		i = len(p.names) - 1
	}
	return p.names[i]
}
