package detector

import (
	"math"
	"testing"
)

func TestMatrixProfileConstantSeries(t *testing.T) {
	ts := make([]float64, 64)
	for i := range ts {
		ts[i] = 5.0
	}
	profile, err := MatrixProfile(ts, 8)
	if err != nil {
		t.Fatalf("MatrixProfile: %v", err)
	}
	for i, v := range profile {
		if v != 0 {
			t.Errorf("profile[%d] = %v, want 0 for constant series", i, v)
		}
	}
}

func TestMatrixProfileTooShort(t *testing.T) {
	if _, err := MatrixProfile(make([]float64, 10), 8); err == nil {
		t.Error("expected error for series shorter than 2w")
	}
}

func TestMatrixProfilePeriodicSeriesLowProfile(t *testing.T) {
	// A clean sine repeats itself; every subsequence has a near-identical
	// neighbor one period away.
	ts := make([]float64, 96)
	for i := range ts {
		ts[i] = math.Sin(2 * math.Pi * float64(i) / 16)
	}
	profile, err := MatrixProfile(ts, 16)
	if err != nil {
		t.Fatalf("MatrixProfile: %v", err)
	}
	for i, v := range profile {
		if v > 0.5 {
			t.Errorf("profile[%d] = %v, want near zero for periodic series", i, v)
		}
	}
}

func TestMatrixProfileDiscord(t *testing.T) {
	// Alternating baseline with one injected spike.
	ts := make([]float64, 96)
	for i := range ts {
		ts[i] = float64(i % 2)
	}
	ts[80] = 40

	profile, err := MatrixProfile(ts, 16)
	if err != nil {
		t.Fatalf("MatrixProfile: %v", err)
	}

	var maxVal float64
	var maxIdx int
	for i, v := range profile {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxVal < 2.5 {
		t.Errorf("max profile = %v, expected a discord above 2.5", maxVal)
	}
	// The discord must cover the spike position.
	if maxIdx > 80 || maxIdx+16 <= 80 {
		t.Errorf("discord at %d does not cover the spike at 80", maxIdx)
	}
}

func TestMatrixProfileSymmetricBounds(t *testing.T) {
	ts := make([]float64, 64)
	for i := range ts {
		ts[i] = math.Sin(float64(i)) + 0.1*float64(i%3)
	}
	profile, err := MatrixProfile(ts, 8)
	if err != nil {
		t.Fatalf("MatrixProfile: %v", err)
	}
	limit := 2 * math.Sqrt(8)
	for i, v := range profile {
		if v < 0 || v > limit+1e-9 {
			t.Errorf("profile[%d] = %v outside [0, 2*sqrt(w)]", i, v)
		}
	}
}
