package detector

import (
	"fmt"
	"math"
)

// MatrixProfile computes the z-normalized Euclidean matrix profile of ts for
// subsequence length w. Entry i is the distance from subsequence i to its
// nearest neighbor outside an exclusion zone of ceil(w/2) positions. Ties are
// broken by the lower neighbor index. Flat-to-flat subsequence pairs have
// distance zero, so a constant series profiles to all zeros.
func MatrixProfile(ts []float64, w int) ([]float64, error) {
	n := len(ts)
	if w < 2 || n < 2*w {
		return nil, fmt.Errorf("series length %d too short for window %d", n, w)
	}
	m := n - w + 1
	excl := (w + 1) / 2

	means := make([]float64, m)
	stds := make([]float64, m)
	var sum, sumSq float64
	for i := 0; i < w; i++ {
		sum += ts[i]
		sumSq += ts[i] * ts[i]
	}
	for i := 0; i < m; i++ {
		if i > 0 {
			sum += ts[i+w-1] - ts[i-1]
			sumSq += ts[i+w-1]*ts[i+w-1] - ts[i-1]*ts[i-1]
		}
		mean := sum / float64(w)
		variance := sumSq/float64(w) - mean*mean
		if variance < 0 {
			variance = 0
		}
		means[i] = mean
		stds[i] = math.Sqrt(variance)
	}

	profile := make([]float64, m)
	for i := range profile {
		profile[i] = math.Inf(1)
	}

	fw := float64(w)
	// Walk each diagonal so the sliding dot product updates in O(1) per pair.
	for diag := excl; diag < m; diag++ {
		var qt float64
		for k := 0; k < w; k++ {
			qt += ts[k] * ts[diag+k]
		}
		for i := 0; i+diag < m; i++ {
			j := i + diag
			if i > 0 {
				qt += ts[i+w-1]*ts[j+w-1] - ts[i-1]*ts[j-1]
			}
			d := znormDist(qt, means[i], stds[i], means[j], stds[j], fw)
			if d < profile[i] {
				profile[i] = d
			}
			if d < profile[j] {
				profile[j] = d
			}
		}
	}

	for i, v := range profile {
		if math.IsInf(v, 1) {
			// No admissible neighbor; treat as indistinct.
			profile[i] = 0
		}
		if math.IsNaN(profile[i]) {
			return nil, fmt.Errorf("non-finite profile value at %d", i)
		}
	}
	return profile, nil
}

func znormDist(qt, meanI, stdI, meanJ, stdJ, w float64) float64 {
	if stdI == 0 && stdJ == 0 {
		return 0
	}
	if stdI == 0 || stdJ == 0 {
		// A flat subsequence against a varying one is maximally distant
		// under z-normalization.
		return math.Sqrt(2 * w)
	}
	corr := (qt - w*meanI*meanJ) / (w * stdI * stdJ)
	if corr > 1 {
		corr = 1
	}
	if corr < -1 {
		corr = -1
	}
	return math.Sqrt(2 * w * (1 - corr))
}
