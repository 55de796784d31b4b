package correlator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
	"github.com/hervehildenbrand/fabricwatch/pkg/topology"
)

const testTopology = `
devices:
  spine-01: { role: spine, neighbors: [tor-01, tor-02], priority: critical }
  spine-02: { role: spine, neighbors: [tor-01, tor-02], priority: critical }
  tor-01: { role: tor, neighbors: [leaf-01], priority: high }
  tor-02: { role: tor, neighbors: [leaf-02], priority: high }
  leaf-01: { role: leaf, neighbors: [server-01], priority: medium }
  leaf-02: { role: leaf, neighbors: [server-02], priority: medium }
  server-01: { role: server, neighbors: [], priority: low }
  server-02: { role: server, neighbors: [], priority: low }
bgp_peers:
  - [spine-01, tor-01]
`

func loadTopo(t *testing.T) *topology.Topology {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yml")
	if err := os.WriteFile(path, []byte(testTopology), 0o644); err != nil {
		t.Fatalf("write topology: %v", err)
	}
	topo, err := topology.Load(path)
	if err != nil {
		t.Fatalf("load topology: %v", err)
	}
	return topo
}

func defaultOptions() Options {
	return Options{
		WindowMS:            60_000,
		CooldownMS:          120_000,
		AdjacencyHops:       1,
		SpineBlastThreshold: 5,
		TorBlastThreshold:   2,
		SingleSourceBGPConf: 0.85,
	}
}

func bgpAnomaly(device string, ts int64, conf float64, series ...string) *models.BGPAnomaly {
	dist := make(map[string]float64, len(series))
	for _, s := range series {
		dist[s] = 4.2
	}
	return &models.BGPAnomaly{
		TS:             ts,
		Device:         device,
		Confidence:     conf,
		DetectedSeries: series,
		MinDistance:    4.2,
		Distances:      dist,
	}
}

func snmpAnomaly(device string, ts int64, conf float64, severity string, features ...string) *models.SNMPAnomaly {
	z := make(map[string]float64, len(features))
	for _, f := range features {
		z[f] = 5.0
	}
	return &models.SNMPAnomaly{
		TS:                   ts,
		Device:               device,
		Confidence:           conf,
		Severity:             severity,
		Score:                0.7,
		ContributingFeatures: features,
		FeatureZScores:       z,
	}
}

func TestMultimodalLinkFailure(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	if alerts := c.IngestBGP(bgpAnomaly("spine-01", 1_000, 0.8,
		models.SeriesWithdrawals, models.SeriesChurn)); len(alerts) != 0 {
		t.Fatalf("armed state must not emit, got %d alerts", len(alerts))
	}

	alerts := c.IngestSNMP(snmpAnomaly("spine-01", 6_000, 0.9, models.SeverityCritical,
		"interface_error_rate"))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 multimodal alert, got %d", len(alerts))
	}

	a := alerts[0]
	if a.Kind != models.KindLinkFailure {
		t.Errorf("kind = %s, want link_failure", a.Kind)
	}
	if a.Correlated.JoinKind != models.JoinMultimodal {
		t.Errorf("join kind = %s, want multimodal", a.Correlated.JoinKind)
	}
	if a.Priority != models.PriorityP1 {
		t.Errorf("priority = %s, want P1 for a spine", a.Priority)
	}
	if a.Triage.BlastRadius < 5 {
		t.Errorf("blast radius = %d, want >= spine threshold", a.Triage.BlastRadius)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("confidence %v outside [0,1]", a.Confidence)
	}
	if len(a.Evidence) == 0 {
		t.Error("alert must carry evidence")
	}
	var hasWdr, hasIfErr bool
	for _, e := range a.Evidence {
		if strings.Contains(e, "withdrawals") {
			hasWdr = true
		}
		if strings.Contains(e, "interface_error_rate") {
			hasIfErr = true
		}
	}
	if !hasWdr || !hasIfErr {
		t.Errorf("evidence missing modality detail: %v", a.Evidence)
	}
	if a.AlertID == "" || a.ProbableRootCause == "" || a.EstimatedResolution == "" {
		t.Error("alert fields must be fully populated")
	}
	if len(a.RecommendedActions) == 0 {
		t.Error("alert must carry recommended actions")
	}
}

func TestCooldownDedup(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	emit := func(base int64) int {
		n := 0
		n += len(c.IngestBGP(bgpAnomaly("spine-01", base, 0.8, models.SeriesWithdrawals)))
		n += len(c.IngestSNMP(snmpAnomaly("spine-01", base+5_000, 0.9, models.SeverityCritical,
			"interface_error_rate")))
		return n
	}

	// First window emits.
	if n := emit(1_000); n != 1 {
		t.Fatalf("first window emitted %d alerts, want 1", n)
	}
	// Identical anomalies inside the cooldown are suppressed.
	if n := emit(30_000); n != 0 {
		t.Errorf("cooldown window emitted %d alerts, want 0", n)
	}
	// After the cooldown a fresh alert goes out.
	if n := emit(200_000); n != 1 {
		t.Errorf("post-cooldown window emitted %d alerts, want 1", n)
	}

	if c.Stats()["dedup_hits"].(uint64) == 0 {
		t.Error("expected dedup suppressions counted")
	}
}

func TestRepeatedWindowsEmitOncePerCooldown(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	var total int
	var ids []string
	for i := int64(0); i < 3; i++ {
		base := i * 130_000 // beyond the 120s cooldown
		alerts := c.IngestBGP(bgpAnomaly("spine-01", base+1_000, 0.8, models.SeriesWithdrawals))
		alerts = append(alerts, c.IngestSNMP(snmpAnomaly("spine-01", base+6_000, 0.9,
			models.SeverityCritical, "interface_error_rate"))...)
		total += len(alerts)
		for _, a := range alerts {
			ids = append(ids, a.AlertID)
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 alerts across 3 cooldown windows, got %d", total)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Errorf("alert id %s repeated", id)
		}
		seen[id] = true
	}
}

func TestSingleSourceBGPEmission(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	c.IngestBGP(bgpAnomaly("tor-01", 1_000, 0.9, models.SeriesAnnouncements, models.SeriesWithdrawals))
	alerts := c.Sweep(70_000)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 bgp-only alert after window expiry, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Correlated.JoinKind != models.JoinBGPOnly {
		t.Errorf("join kind = %s, want bgp_only", a.Correlated.JoinKind)
	}
	if a.Kind != models.KindBGPFlapping {
		t.Errorf("kind = %s, want bgp_flapping", a.Kind)
	}
	if a.Priority != models.PriorityP2 {
		t.Errorf("priority = %s, want P2 for a tor", a.Priority)
	}
}

func TestSingleSourceBelowFloorDropped(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	c.IngestBGP(bgpAnomaly("tor-01", 1_000, 0.5, models.SeriesWithdrawals))
	if alerts := c.Sweep(70_000); len(alerts) != 0 {
		t.Errorf("low-confidence bgp-only anomaly must be dropped, got %d alerts", len(alerts))
	}
	c.IngestSNMP(snmpAnomaly("leaf-01", 1_000, 0.6, models.SeverityWarning, "cpu_utilization_max"))
	if alerts := c.Sweep(140_000); len(alerts) != 0 {
		t.Errorf("warning-level snmp-only anomaly must be dropped, got %d alerts", len(alerts))
	}
	if c.Stats()["expired_dropped"].(uint64) != 2 {
		t.Errorf("expired_dropped = %v, want 2", c.Stats()["expired_dropped"])
	}
}

func TestSNMPOnlyHardwareDegradation(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	c.IngestSNMP(snmpAnomaly("spine-02", 1_000, 0.92, models.SeverityCritical,
		"temperature_max", "cpu_utilization_max"))
	alerts := c.Sweep(70_000)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 snmp-only alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != models.KindHardwareDegradation {
		t.Errorf("kind = %s, want hardware_degradation", a.Kind)
	}
	if a.Correlated.JoinKind != models.JoinSNMPOnly {
		t.Errorf("join kind = %s, want snmp_only", a.Correlated.JoinKind)
	}
	if a.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", a.Severity)
	}
	if a.Priority != models.PriorityP1 {
		t.Errorf("priority = %s, want P1 for a spine", a.Priority)
	}
}

func TestAdjacentDeviceJoin(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	// BGP churn observed at the spine, SNMP errors on the adjacent tor.
	c.IngestBGP(bgpAnomaly("spine-01", 1_000, 0.8, models.SeriesWithdrawals))
	alerts := c.IngestSNMP(snmpAnomaly("tor-01", 10_000, 0.9, models.SeverityCritical,
		"interface_error_rate"))
	if len(alerts) != 1 {
		t.Fatalf("expected an adjacent multimodal join, got %d alerts", len(alerts))
	}
	a := alerts[0]
	if a.Correlated.JoinKind != models.JoinMultimodal {
		t.Errorf("join kind = %s, want multimodal", a.Correlated.JoinKind)
	}
	// SNMP pins the device.
	if a.Triage.Device != "tor-01" {
		t.Errorf("device = %s, want tor-01", a.Triage.Device)
	}
}

func TestAdjacencyDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.AdjacencyHops = 0
	c := New(loadTopo(t), opts)

	c.IngestBGP(bgpAnomaly("spine-01", 1_000, 0.8, models.SeriesWithdrawals))
	alerts := c.IngestSNMP(snmpAnomaly("tor-01", 10_000, 0.9, models.SeverityCritical,
		"interface_error_rate"))
	if len(alerts) != 0 {
		t.Errorf("adjacency disabled, expected no join, got %d alerts", len(alerts))
	}
}

func TestTopologyMissDegradesGracefully(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	c.IngestSNMP(snmpAnomaly("mystery-01", 1_000, 0.95, models.SeverityCritical,
		"temperature_max"))
	alerts := c.Sweep(70_000)
	if len(alerts) != 1 {
		t.Fatalf("expected an alert for the unknown device, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Triage.Role != topology.RoleUnknown {
		t.Errorf("role = %s, want unknown", a.Triage.Role)
	}
	if a.Triage.BlastRadius != 1 {
		t.Errorf("blast radius = %d, want 1", a.Triage.BlastRadius)
	}
	if a.Priority != models.PriorityP3 {
		t.Errorf("priority = %s, want P3", a.Priority)
	}
	if c.Stats()["unknown_devices"].(uint64) != 1 {
		t.Error("expected unknown device counted")
	}
}

func TestCorrelationStrengthBounds(t *testing.T) {
	c := New(loadTopo(t), defaultOptions())

	c.IngestBGP(bgpAnomaly("spine-01", 1_000, 0.99, models.SeriesWithdrawals))
	alerts := c.IngestSNMP(snmpAnomaly("spine-01", 1_500, 0.99, models.SeverityCritical,
		"interface_error_rate"))
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	s := alerts[0].Correlated.Strength
	if s < 0 || s > 1 {
		t.Errorf("strength %v outside [0,1]", s)
	}
	// Near-simultaneous same-device events with high confidence correlate
	// strongly.
	if s < 0.8 {
		t.Errorf("strength %v unexpectedly weak", s)
	}
}
