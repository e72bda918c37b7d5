// Package stats holds the small order statistics used to smooth metric
// histories and summarise broadcast windows.
package stats

import (
	"math"
	"sort"
)

// selectionThreshold is the sample count above which Percentile switches
// from a full sort to quickselect.
const selectionThreshold = 1000

// Median returns the upper median of values (sorted[n/2]) or 0 when values is
// empty. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// Mean returns the arithmetic mean of values or 0 when values is empty.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Percentile returns the nth percentile (0-100) of values using the
// nearest-rank-below method, or 0 when values is empty.
func Percentile(values []float64, percentile float64) float64 {
	return Percentiles(values, percentile)[percentile]
}

// Percentiles computes several percentiles over one copy of values. Small
// inputs are sorted once; above selectionThreshold each rank is selected
// without a full sort.
func Percentiles(values []float64, percentiles ...float64) map[float64]float64 {
	result := make(map[float64]float64, len(percentiles))
	if len(values) == 0 {
		for _, p := range percentiles {
			result[p] = 0
		}
		return result
	}

	data := make([]float64, len(values))
	copy(data, values)
	if len(data) <= selectionThreshold {
		sort.Float64s(data)
		for _, p := range percentiles {
			result[p] = data[rank(len(data), p)]
		}
		return result
	}
	for _, p := range percentiles {
		result[p] = selectRank(data, rank(len(data), p))
	}
	return result
}

func rank(n int, percentile float64) int {
	switch {
	case percentile <= 0:
		return 0
	case percentile >= 100:
		return n - 1
	}
	k := int(float64(n-1) * (percentile / 100.0))
	if k >= n {
		k = n - 1
	}
	return k
}

// selectRank returns the k-th smallest element of data. data is reordered
// but keeps the same elements, so repeated calls on one slice stay valid.
func selectRank(data []float64, k int) float64 {
	lo, hi := 0, len(data)
	for hi-lo > 1 {
		lt, gt := partition3(data[lo:hi], data[lo+(hi-lo)/2])
		switch {
		case k < lo+lt:
			hi = lo + lt
		case k >= lo+gt:
			lo += gt
		default:
			return data[k]
		}
	}
	return data[lo]
}

// partition3 orders s into three runs: below pivot, equal to it and above
// it. It returns the bounds of the equal run.
func partition3(s []float64, pivot float64) (lt, gt int) {
	i, gt := 0, len(s)
	for i < gt {
		switch v := s[i]; {
		case v < pivot:
			s[lt], s[i] = s[i], s[lt]
			lt++
			i++
		case v > pivot:
			gt--
			s[gt], s[i] = s[i], s[gt]
		default:
			i++
		}
	}
	return lt, gt
}
