package sim

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       RunConfig
		wantField string
	}{
		{name: "valid", cfg: NewRunConfig(100, 10)},
		{name: "interval equals duration", cfg: NewRunConfig(10, 10)},
		{name: "negative duration", cfg: NewRunConfig(-1, 1), wantField: "duration"},
		{name: "infinite duration", cfg: NewRunConfig(math.Inf(1), 1), wantField: "duration"},
		{name: "NaN interval", cfg: NewRunConfig(10, math.NaN()), wantField: "interval"},
		{name: "zero interval", cfg: NewRunConfig(10, 0), wantField: "interval"},
		{name: "interval too long", cfg: NewRunConfig(10, 20), wantField: "interval"},
		{name: "negative deadline", cfg: NewRunConfig(10, 1).WithDeadline(-time.Second), wantField: "deadline"},
		{name: "zero capacity", cfg: NewRunConfig(10, 1).WithCapacityLimit(0), wantField: "capacity limit"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.wantField, cfgErr.Field)
		})
	}
}

func TestRunConfig_NumIntervals(t *testing.T) {
	assert.Equal(t, 10, NewRunConfig(10, 1).NumIntervals())
	assert.Equal(t, 3, NewRunConfig(0.3, 0.1).NumIntervals())
	assert.Equal(t, 3, NewRunConfig(10, 3).NumIntervals())
	assert.Equal(t, 0, NewRunConfig(10, 0).NumIntervals())
}

func TestRunConfig_With_ReturnsCopy(t *testing.T) {
	cfg := NewRunConfig(10, 1)
	raised := cfg.WithCapacityLimit(7)
	assert.Equal(t, DefaultCapacityLimit, cfg.CapacityLimit)
	assert.Equal(t, 7, raised.CapacityLimit)
}

func TestIntervalCounter_BucketBoundaries(t *testing.T) {
	c := NewIntervalCounter(0.1)
	assert.Equal(t, 3, c.Bucket(0.3))
	assert.Equal(t, 0, c.Bucket(0))
	assert.Equal(t, 9, c.Bucket(0.99))

	c.Add(0.3, 2)
	c.Add(0.31, 1)
	c.Add(0.05, 1)
	assert.Equal(t, []int{0, 3}, c.Buckets())
	assert.Equal(t, 3, c.Count(3))
	assert.Equal(t, 4, c.Total())
}
