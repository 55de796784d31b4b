package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

const eulerGamma = 0.5772156649015329

// Severity bucket offsets above the calibrated decision threshold.
const (
	severityErrorOffset    = 0.07
	severityCriticalOffset = 0.15
)

// Contributing features must deviate at least this far from the training
// baseline, in standard deviations.
const contributionZ = 2.0

const maxContributingFeatures = 5

// treeNode is one node of a serialized isolation tree. Leaves have
// Feature == -1 and record the number of training points they isolate.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"n"`
}

// Model is a trained isolation forest with its calibration metadata.
type Model struct {
	SchemaHash   uint64       `json:"schema_hash"`
	FeatureNames []string     `json:"feature_names"`
	Means        []float64    `json:"per_feature_mean"`
	Stds         []float64    `json:"per_feature_std"`
	Threshold    float64      `json:"threshold"`
	SampleSize   int          `json:"sample_size"`
	Trees        [][]treeNode `json:"trees"`
}

// LoadModel reads and validates a serialized forest.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save writes the model to path.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Model) validate() error {
	n := len(m.FeatureNames)
	if n == 0 {
		return fmt.Errorf("model has no feature schema")
	}
	if m.SchemaHash != SchemaHash(m.FeatureNames) {
		return fmt.Errorf("model schema hash does not match its feature names")
	}
	if len(m.Means) != n || len(m.Stds) != n {
		return fmt.Errorf("model feature statistics do not match schema length %d", n)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	if m.SampleSize < 2 {
		return fmt.Errorf("model sample size %d is invalid", m.SampleSize)
	}
	if m.Threshold <= 0 || m.Threshold >= 1 {
		return fmt.Errorf("model threshold %v outside (0,1)", m.Threshold)
	}
	return nil
}

// pathLength walks one tree and returns the isolation depth of x, with the
// standard expected-depth adjustment at the terminating node.
func pathLength(tree []treeNode, x []float64) float64 {
	idx, depth := 0, 0
	for {
		node := tree[idx]
		if node.Feature < 0 {
			return float64(depth) + avgPathLength(node.Size)
		}
		if x[node.Feature] < node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// Score returns the anomaly score s(x) = 2^(-E[h(x)] / c(sampleSize)).
// Higher is more anomalous.
func (m *Model) Score(x []float64) float64 {
	var total float64
	for _, tree := range m.Trees {
		total += pathLength(tree, x)
	}
	avg := total / float64(len(m.Trees))
	return math.Pow(2, -avg/avgPathLength(m.SampleSize))
}

// ForestDetector scores SNMP feature vectors against a pre-trained model.
// A nil model disables detection (bgp-only operation).
type ForestDetector struct {
	model *Model

	// Stats
	mismatches  uint64
	imputations uint64
	skipped     uint64
	flagged     uint64
}

// NewForestDetector wraps a loaded model; model may be nil.
func NewForestDetector(model *Model) *ForestDetector {
	return &ForestDetector{model: model}
}

// Loaded reports whether a model is available.
func (d *ForestDetector) Loaded() bool {
	return d.model != nil
}

// Predict scores one vector. It returns nil when the model is missing, the
// schema mismatches, or the score stays below the decision threshold.
func (d *ForestDetector) Predict(v models.SNMPFeatureVector) *models.SNMPAnomaly {
	if d.model == nil {
		d.skipped++
		return nil
	}
	if v.SchemaHash != d.model.SchemaHash || len(v.Values) != len(d.model.FeatureNames) {
		d.mismatches++
		metrics.SchemaMismatches.Inc()
		return nil
	}

	x := make([]float64, len(v.Values))
	for i, val := range v.Values {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			x[i] = d.model.Means[i]
			d.imputations++
			metrics.SNMPImputations.Inc()
			continue
		}
		x[i] = val
	}

	score := d.model.Score(x)
	if score < d.model.Threshold {
		return nil
	}

	severity := models.SeverityWarning
	switch {
	case score >= d.model.Threshold+severityCriticalOffset:
		severity = models.SeverityCritical
	case score >= d.model.Threshold+severityErrorOffset:
		severity = models.SeverityError
	}

	confidence := (score-d.model.Threshold)/(2*severityCriticalOffset) + 0.5
	if confidence > 1 {
		confidence = 1
	}

	contributing, zscores := d.attribution(x)

	d.flagged++
	metrics.AnomaliesDetected.WithLabelValues("snmp").Inc()
	return &models.SNMPAnomaly{
		TS:                   v.TS,
		Device:               v.Device,
		Confidence:           confidence,
		Severity:             severity,
		Score:                score,
		ContributingFeatures: contributing,
		FeatureZScores:       zscores,
	}
}

// attribution ranks features by |z| against the training baseline and keeps
// those that actually deviate, capped at five. When nothing crosses the
// deviation floor the single largest deviation is reported.
func (d *ForestDetector) attribution(x []float64) ([]string, map[string]float64) {
	type fz struct {
		name string
		z    float64
	}
	all := make([]fz, 0, len(x))
	zscores := make(map[string]float64, len(x))
	for i, val := range x {
		if d.model.Stds[i] == 0 {
			continue
		}
		z := (val - d.model.Means[i]) / d.model.Stds[i]
		zscores[d.model.FeatureNames[i]] = z
		all = append(all, fz{name: d.model.FeatureNames[i], z: math.Abs(z)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].z != all[j].z {
			return all[i].z > all[j].z
		}
		return all[i].name < all[j].name
	})

	var contributing []string
	for _, f := range all {
		if f.z < contributionZ || len(contributing) >= maxContributingFeatures {
			break
		}
		contributing = append(contributing, f.name)
	}
	if len(contributing) == 0 && len(all) > 0 {
		contributing = append(contributing, all[0].name)
	}
	return contributing, zscores
}

// Stats returns detector counters.
func (d *ForestDetector) Stats() map[string]interface{} {
	return map[string]interface{}{
		"schema_mismatches": d.mismatches,
		"imputations":       d.imputations,
		"skipped_no_model":  d.skipped,
		"anomalies":         d.flagged,
	}
}

// Fit trains a forest of trees on X with a seeded source so identical inputs
// produce identical models, and calibrates the decision threshold to the
// contamination rate.
func Fit(X [][]float64, featureNames []string, trees, sampleSize int, contamination float64, seed int64) (*Model, error) {
	n := len(X)
	if n < 10 {
		return nil, fmt.Errorf("need at least 10 training samples, got %d", n)
	}
	dims := len(featureNames)
	for i, row := range X {
		if len(row) != dims {
			return nil, fmt.Errorf("sample %d has %d features, schema has %d", i, len(row), dims)
		}
	}
	if sampleSize > n {
		sampleSize = n
	}

	means := make([]float64, dims)
	stds := make([]float64, dims)
	for j := 0; j < dims; j++ {
		var sum float64
		for _, row := range X {
			sum += row[j]
		}
		means[j] = sum / float64(n)
		var sq float64
		for _, row := range X {
			d := row[j] - means[j]
			sq += d * d
		}
		stds[j] = math.Sqrt(sq / float64(n))
	}

	rng := rand.New(rand.NewSource(seed))
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	model := &Model{
		SchemaHash:   SchemaHash(featureNames),
		FeatureNames: featureNames,
		Means:        means,
		Stds:         stds,
		SampleSize:   sampleSize,
		Trees:        make([][]treeNode, 0, trees),
	}

	for t := 0; t < trees; t++ {
		sample := make([][]float64, sampleSize)
		for i := range sample {
			sample[i] = X[rng.Intn(n)]
		}
		var nodes []treeNode
		buildTree(&nodes, sample, 0, maxDepth, dims, rng)
		model.Trees = append(model.Trees, nodes)
	}

	// Calibrate: the threshold sits at the contamination quantile of the
	// training scores, so roughly that fraction of normal traffic flags.
	scores := make([]float64, n)
	for i, row := range X {
		scores[i] = model.Score(row)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	idx := int(contamination * float64(n))
	if idx >= n {
		idx = n - 1
	}
	model.Threshold = scores[idx]

	return model, nil
}

// buildTree appends the subtree isolating points to nodes and returns its
// root index.
func buildTree(nodes *[]treeNode, points [][]float64, depth, maxDepth, dims int, rng *rand.Rand) int {
	idx := len(*nodes)
	if depth >= maxDepth || len(points) <= 1 || allIdentical(points) {
		*nodes = append(*nodes, treeNode{Feature: -1, Size: len(points)})
		return idx
	}

	// Pick a split among features that still vary in this partition.
	var feature int
	var lo, hi float64
	found := false
	for _, f := range rng.Perm(dims) {
		lo, hi = points[0][f], points[0][f]
		for _, p := range points {
			if p[f] < lo {
				lo = p[f]
			}
			if p[f] > hi {
				hi = p[f]
			}
		}
		if hi > lo {
			feature = f
			found = true
			break
		}
	}
	if !found {
		*nodes = append(*nodes, treeNode{Feature: -1, Size: len(points)})
		return idx
	}

	threshold := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, p := range points {
		if p[feature] < threshold {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		*nodes = append(*nodes, treeNode{Feature: -1, Size: len(points)})
		return idx
	}

	*nodes = append(*nodes, treeNode{Feature: feature, Threshold: threshold})
	l := buildTree(nodes, left, depth+1, maxDepth, dims, rng)
	r := buildTree(nodes, right, depth+1, maxDepth, dims, rng)
	(*nodes)[idx].Left = l
	(*nodes)[idx].Right = r
	return idx
}

func allIdentical(points [][]float64) bool {
	for _, p := range points[1:] {
		for j := range p {
			if p[j] != points[0][j] {
				return false
			}
		}
	}
	return true
}
