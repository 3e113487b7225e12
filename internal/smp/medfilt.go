package smp

import (
	"math"
	"sort"
)

// MedFilt applies a running median of kernelSize samples. Windows are
// truncated at the profile ends instead of zero-padded so the surface and
// ground samples are not dragged towards zero. NaN samples stay NaN and are
// left out of their neighbours' windows. kernelSize must be a positive odd
// integer.
func MedFilt(data []float64, kernelSize int) []float64 {
	if kernelSize < 1 || kernelSize%2 == 0 {
		panic("kernelSize must be positive odd integer")
	}
	n := len(data)
	if n == 0 {
		return nil
	}

	half := kernelSize / 2
	result := make([]float64, n)
	window := make([]float64, 0, kernelSize)

	for i := 0; i < n; i++ {
		if math.IsNaN(data[i]) {
			result[i] = math.NaN()
			continue
		}
		window = window[:0]
		for j := max(0, i-half); j <= min(n-1, i+half); j++ {
			if !math.IsNaN(data[j]) {
				window = append(window, data[j])
			}
		}

		sort.Float64s(window)
		m := len(window) / 2
		if len(window)%2 == 1 {
			result[i] = window[m]
		} else {
			result[i] = (window[m-1] + window[m]) / 2
		}
	}
	return result
}
