package inference

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeExample(t *testing.T) {
	got, err := Normalize([]float32{0, 5, 10}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1}, got, 1e-6)
}

func TestNormalizeDegenerateRange(t *testing.T) {
	got, err := Normalize([]float32{4.2, 4.2, 4.2}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, got)
}

func TestNormalizeInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(500)
		raw := make([]float32, n+rng.Intn(10))
		for i := range raw {
			raw[i] = rng.Float32()*200 - 100
		}
		raw[0], raw[n-1] = -150, 150 // guarantee max > min inside the first n

		got, err := Normalize(raw, n)
		require.NoError(t, err)
		require.Len(t, got, n)

		lo, hi := got[0], got[0]
		for _, v := range got {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		assert.Equal(t, float32(0), lo)
		assert.Equal(t, float32(1), hi)
	}
}

func TestNormalizeIgnoresTail(t *testing.T) {
	// Values past n must not influence the range.
	got, err := Normalize([]float32{0, 2, 4, 1000, -1000}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 1}, got, 1e-6)
}

func TestNormalizeShortOutput(t *testing.T) {
	_, err := Normalize([]float32{1, 2}, 3)
	assert.ErrorIs(t, err, ErrShortOutput)

	_, err = Normalize([]float32{1}, 0)
	assert.Error(t, err)
}
