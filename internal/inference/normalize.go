package inference

import "fmt"

// Normalize rescales the first n elements of raw so the minimum maps to 0 and
// the maximum to 1. When every element is equal the range falls back to 1, so
// the result is all zeros rather than mid-gray.
func Normalize(raw []float32, n int) ([]float32, error) {
	if n <= 0 {
		return nil, fmt.Errorf("normalize: invalid length %d", n)
	}
	if len(raw) < n {
		return nil, fmt.Errorf("%w: got %d values, want at least %d", ErrShortOutput, len(raw), n)
	}

	lo, hi := raw[0], raw[0]
	for _, v := range raw[1:n] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	eps := hi - lo
	if eps == 0 {
		eps = 1
	}

	out := make([]float32, n)
	for i := range out {
		out[i] = (raw[i] - lo) / eps
	}
	return out, nil
}
