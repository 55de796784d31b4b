// Package detector holds the two statistical detectors: a streaming matrix
// profile over BGP feature series and an isolation forest over SNMP feature
// vectors.
package detector

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

var mpSeries = []string{models.SeriesWithdrawals, models.SeriesAnnouncements, models.SeriesChurn}

// ring is a fixed-capacity sliding buffer of scalar samples.
type ring struct {
	buf   []float64
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) values() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type deviceSeries struct {
	rings     map[string]*ring
	lastValid map[string]float64
}

// MPDetector flags anomalous temporal patterns on per-device BGP feature
// series using a streaming matrix profile.
type MPDetector struct {
	windowBins int
	ringLen    int
	warmup     int
	threshold  float64

	devices map[string]*deviceSeries

	// Stats
	computeErrors uint64
	clamped       uint64
	flagged       uint64
}

// NewMPDetector creates a detector with subsequence length windowBins and
// discord threshold in z-normalized distance units.
func NewMPDetector(windowBins int, threshold float64) *MPDetector {
	return &MPDetector{
		windowBins: windowBins,
		ringLen:    windowBins * 3,
		warmup:     windowBins * 2,
		threshold:  threshold,
		devices:    make(map[string]*deviceSeries),
	}
}

// Update ingests one feature bin and returns an anomaly when any monitored
// series produces a discord above the threshold. During warmup (ring shorter
// than twice the window) it returns nil.
func (d *MPDetector) Update(fb models.FeatureBin) *models.BGPAnomaly {
	ds := d.devices[fb.Device]
	if ds == nil {
		ds = &deviceSeries{
			rings:     make(map[string]*ring, len(mpSeries)),
			lastValid: make(map[string]float64, len(mpSeries)),
		}
		for _, s := range mpSeries {
			ds.rings[s] = newRing(d.ringLen)
		}
		d.devices[fb.Device] = ds
	}

	for _, s := range mpSeries {
		v := seriesValue(fb, s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = ds.lastValid[s]
			d.clamped++
			metrics.NonFiniteClamps.Inc()
		} else {
			ds.lastValid[s] = v
		}
		ds.rings[s].push(v)
	}

	if ds.rings[mpSeries[0]].size < d.warmup {
		return nil
	}

	distances := make(map[string]float64, len(mpSeries))
	var detected []string
	var maxDist, maxExcess float64
	for _, s := range mpSeries {
		ts := ds.rings[s].values()
		if isConstant(ts) {
			distances[s] = 0
			continue
		}
		profile, err := MatrixProfile(ts, d.windowBins)
		if err != nil {
			d.computeErrors++
			metrics.MPComputeErrors.Inc()
			log.Warn().Err(err).Str("device", fb.Device).Str("series", s).Msg("matrix profile computation failed")
			return nil
		}
		dist := 0.0
		for _, p := range profile {
			if p > dist {
				dist = p
			}
		}
		distances[s] = dist
		if dist >= d.threshold {
			detected = append(detected, s)
			if dist > maxDist {
				maxDist = dist
			}
		}
		if excess := (dist-d.threshold)/d.threshold + 0.5; excess > maxExcess {
			maxExcess = excess
		}
	}

	if len(detected) == 0 {
		return nil
	}

	confidence := maxExcess
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	d.flagged++
	metrics.AnomaliesDetected.WithLabelValues("bgp").Inc()
	return &models.BGPAnomaly{
		TS:             fb.BinEnd,
		Device:         fb.Device,
		Confidence:     confidence,
		DetectedSeries: detected,
		MinDistance:    maxDist,
		Distances:      distances,
		Bin:            fb,
	}
}

// Stats returns detector counters.
func (d *MPDetector) Stats() map[string]interface{} {
	return map[string]interface{}{
		"devices":        len(d.devices),
		"compute_errors": d.computeErrors,
		"clamped_inputs": d.clamped,
		"anomalies":      d.flagged,
	}
}

func seriesValue(fb models.FeatureBin, series string) float64 {
	switch series {
	case models.SeriesWithdrawals:
		return fb.Withdrawals
	case models.SeriesAnnouncements:
		return fb.Announcements
	case models.SeriesChurn:
		return fb.ASPathChurn
	}
	return 0
}

func isConstant(ts []float64) bool {
	for _, v := range ts[1:] {
		if v != ts[0] {
			return false
		}
	}
	return true
}
