package detector

import (
	"hash/fnv"
	"math"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

// FeatureNames is the ordered SNMP feature schema. The isolation forest model
// carries a hash of this list and rejects vectors built from any other schema.
var FeatureNames = []string{
	"cpu_utilization_mean",
	"cpu_utilization_max",
	"memory_utilization_mean",
	"memory_utilization_max",
	"temperature_mean",
	"temperature_max",
	"interface_error_rate",
	"interface_utilization",
}

// SchemaHash returns the FNV-1a hash of an ordered feature name list.
func SchemaHash(names []string) uint64 {
	h := fnv.New64a()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Input metric names on the SNMP sample wire record.
const (
	metricCPU         = "cpu_util"
	metricMemory      = "mem_util"
	metricTemperature = "temperature_c"
	metricIfErrors    = "if_error_rate"
	metricIfUtil      = "if_utilization"
)

// Physical clamp ranges per input metric.
var metricRanges = map[string][2]float64{
	metricCPU:         {0, 100},
	metricMemory:      {0, 100},
	metricTemperature: {-10, 150},
	metricIfErrors:    {0, 1},
	metricIfUtil:      {0, 1},
}

type sampleWindow struct {
	start  int64
	sums   map[string]float64
	maxes  map[string]float64
	counts map[string]int
}

func newSampleWindow(start int64) *sampleWindow {
	return &sampleWindow{
		start:  start,
		sums:   make(map[string]float64),
		maxes:  make(map[string]float64),
		counts: make(map[string]int),
	}
}

func (w *sampleWindow) add(metrics map[string]float64) {
	for name, v := range metrics {
		r, known := metricRanges[name]
		if !known {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < r[0] {
			v = r[0]
		}
		if v > r[1] {
			v = r[1]
		}
		w.sums[name] += v
		if w.counts[name] == 0 || v > w.maxes[name] {
			w.maxes[name] = v
		}
		w.counts[name]++
	}
}

func (w *sampleWindow) mean(name string) float64 {
	if w.counts[name] == 0 {
		return math.NaN()
	}
	return w.sums[name] / float64(w.counts[name])
}

func (w *sampleWindow) max(name string) float64 {
	if w.counts[name] == 0 {
		return math.NaN()
	}
	return w.maxes[name]
}

// FeatureExtractor turns raw SNMP samples into fixed-schema feature vectors,
// one per device per sample window. Metrics absent for a whole window surface
// as NaN and are imputed by the detector against the model's training means.
type FeatureExtractor struct {
	windowMS int64
	schema   uint64
	windows  map[string]*sampleWindow

	vectorsEmitted uint64
}

// NewFeatureExtractor creates an extractor with the given window length.
func NewFeatureExtractor(sampleWindowSeconds int) *FeatureExtractor {
	return &FeatureExtractor{
		windowMS: int64(sampleWindowSeconds) * 1000,
		schema:   SchemaHash(FeatureNames),
		windows:  make(map[string]*sampleWindow),
	}
}

func (e *FeatureExtractor) windowOf(ts int64) int64 {
	return ts - (ts % e.windowMS)
}

// Add ingests one sample. When the sample opens a newer window for its
// device, the previous window is closed and returned as a vector.
func (e *FeatureExtractor) Add(s models.SNMPSample) *models.SNMPFeatureVector {
	start := e.windowOf(s.TS)
	w := e.windows[s.Device]

	var closed *models.SNMPFeatureVector
	if w != nil && start > w.start {
		closed = e.vector(s.Device, w)
		w = nil
	}
	if w == nil {
		w = newSampleWindow(start)
		e.windows[s.Device] = w
	}
	if start >= w.start {
		w.add(s.Metrics)
	}
	return closed
}

// Flush closes and returns every window that ended at or before now.
func (e *FeatureExtractor) Flush(nowMS int64) []models.SNMPFeatureVector {
	var out []models.SNMPFeatureVector
	for dev, w := range e.windows {
		if w.start+e.windowMS <= nowMS {
			out = append(out, *e.vector(dev, w))
			delete(e.windows, dev)
		}
	}
	return out
}

func (e *FeatureExtractor) vector(device string, w *sampleWindow) *models.SNMPFeatureVector {
	values := []float64{
		w.mean(metricCPU),
		w.max(metricCPU),
		w.mean(metricMemory),
		w.max(metricMemory),
		w.mean(metricTemperature),
		w.max(metricTemperature),
		w.mean(metricIfErrors),
		w.mean(metricIfUtil),
	}
	e.vectorsEmitted++
	return &models.SNMPFeatureVector{
		TS:         w.start + e.windowMS,
		Device:     device,
		Values:     values,
		SchemaHash: e.schema,
	}
}

// Stats returns extraction counters.
func (e *FeatureExtractor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"open_windows":    len(e.windows),
		"vectors_emitted": e.vectorsEmitted,
	}
}
