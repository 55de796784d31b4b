// Package correlator joins BGP and SNMP anomalies into enriched,
// deduplicated alerts with topology-aware triage.
package correlator

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
	"github.com/hervehildenbrand/fabricwatch/pkg/topology"
)

// Options tune the correlation windows and thresholds.
type Options struct {
	WindowMS            int64 // cross-modal join window
	CooldownMS          int64 // per-(device, kind) suppression window
	AdjacencyHops       int   // 0 disables cross-device joins
	SpineBlastThreshold int
	TorBlastThreshold   int
	SingleSourceBGPConf float64 // bgp-only emission floor
}

// armed buffers the anomalies of one open correlation window for a device.
type armed struct {
	device      string
	windowStart int64
	bgp         []*models.BGPAnomaly
	snmp        []*models.SNMPAnomaly
}

func (a *armed) latestTS() int64 {
	ts := a.windowStart
	for _, b := range a.bgp {
		if b.TS > ts {
			ts = b.TS
		}
	}
	for _, s := range a.snmp {
		if s.TS > ts {
			ts = s.TS
		}
	}
	return ts
}

// Correlator owns all correlation state. It is driven by a single goroutine;
// none of its methods are safe for concurrent use.
type Correlator struct {
	opts Options
	topo *topology.Topology

	armed     map[string]*armed // device -> open window
	cooldowns map[string]int64  // device|kind -> last emission ts (event time)

	// Stats
	bgpEvents      uint64
	snmpEvents     uint64
	joins          uint64
	alertsEmitted  uint64
	dedupHits      uint64
	expiredDropped uint64
	unknownDevices uint64
}

// New creates a correlator against a loaded topology.
func New(topo *topology.Topology, opts Options) *Correlator {
	return &Correlator{
		opts:      opts,
		topo:      topo,
		armed:     make(map[string]*armed),
		cooldowns: make(map[string]int64),
	}
}

// IngestBGP processes one BGP anomaly and returns any alerts it produces.
func (c *Correlator) IngestBGP(a *models.BGPAnomaly) []models.EnrichedAlert {
	c.bgpEvents++
	st, joined, out := c.findWindow(a.Device, a.TS, true)
	st.bgp = append(st.bgp, a)
	if joined || len(st.snmp) > 0 {
		out = append(out, c.confirm(st)...)
	}
	return out
}

// IngestSNMP processes one SNMP anomaly and returns any alerts it produces.
func (c *Correlator) IngestSNMP(a *models.SNMPAnomaly) []models.EnrichedAlert {
	c.snmpEvents++
	st, joined, out := c.findWindow(a.Device, a.TS, false)
	st.snmp = append(st.snmp, a)
	if joined || len(st.bgp) > 0 {
		out = append(out, c.confirm(st)...)
	}
	return out
}

// findWindow locates the open window the anomaly belongs to: the device's
// own window, or (at one adjacency hop) a neighbor's window holding the
// other modality. A fresh window is armed when none matches. The boolean
// reports whether an adjacent cross-modal window was matched; the alert
// slice carries emissions from any stale window resolved along the way.
func (c *Correlator) findWindow(device string, ts int64, isBGP bool) (*armed, bool, []models.EnrichedAlert) {
	var pending []models.EnrichedAlert
	if st, ok := c.armed[device]; ok {
		if ts-st.windowStart <= c.opts.WindowMS {
			return st, false, nil
		}
		// Stale window for this device: resolve it before arming anew.
		pending = c.expire(st)
	}

	if c.opts.AdjacencyHops > 0 {
		for _, n := range c.topo.Neighbors(device) {
			st, ok := c.armed[n]
			if !ok || ts-st.windowStart > c.opts.WindowMS {
				continue
			}
			// Cross-device joins only pair one modality with the other;
			// that is what catches a link seen from both endpoints.
			if (isBGP && len(st.snmp) > 0 && len(st.bgp) == 0) ||
				(!isBGP && len(st.bgp) > 0 && len(st.snmp) == 0) {
				return st, true, pending
			}
		}
	}

	st := &armed{device: device, windowStart: ts}
	c.armed[device] = st
	return st, false, pending
}

// confirm closes a window holding both modalities and emits the multimodal
// alert, subject to the cooldown.
func (c *Correlator) confirm(st *armed) []models.EnrichedAlert {
	delete(c.armed, st.device)
	c.joins++
	ev := c.buildEvent(st)
	return c.emit(ev)
}

// Sweep expires windows whose correlation window has passed, emitting
// single-source alerts for those that qualify. The pipeline calls it on a
// ticker with wall time; replays drive it with event time.
func (c *Correlator) Sweep(nowMS int64) []models.EnrichedAlert {
	var out []models.EnrichedAlert
	for dev, st := range c.armed {
		if nowMS-st.windowStart <= c.opts.WindowMS {
			continue
		}
		delete(c.armed, dev)
		out = append(out, c.expire(st)...)
	}
	for key, ts := range c.cooldowns {
		if nowMS-ts > 5*c.opts.CooldownMS {
			delete(c.cooldowns, key)
		}
	}
	return out
}

// expire resolves a window that never confirmed across modalities.
func (c *Correlator) expire(st *armed) []models.EnrichedAlert {
	delete(c.armed, st.device)
	if !c.qualifiesSingleSource(st) {
		c.expiredDropped++
		metrics.SingleSourceDropped.Inc()
		return nil
	}
	return c.emit(c.buildEvent(st))
}

func (c *Correlator) qualifiesSingleSource(st *armed) bool {
	for _, s := range st.snmp {
		if s.Severity == models.SeverityCritical {
			return true
		}
	}
	for _, b := range st.bgp {
		if b.Confidence >= c.opts.SingleSourceBGPConf {
			return true
		}
	}
	return false
}

// buildEvent condenses a window into one correlated event, keeping the
// strongest anomaly per modality and folding the rest into the window
// bounds.
func (c *Correlator) buildEvent(st *armed) *models.CorrelatedEvent {
	ev := &models.CorrelatedEvent{
		Device:      st.device,
		WindowStart: st.windowStart,
		WindowEnd:   st.latestTS(),
	}
	for _, b := range st.bgp {
		if ev.BGP == nil || b.Confidence > ev.BGP.Confidence {
			ev.BGP = b
		}
	}
	for _, s := range st.snmp {
		if ev.SNMP == nil || s.Confidence > ev.SNMP.Confidence {
			ev.SNMP = s
		}
	}

	switch {
	case ev.BGP != nil && ev.SNMP != nil:
		ev.JoinKind = models.JoinMultimodal
		// SNMP pins the physical locality when the modalities disagree.
		ev.Device = ev.SNMP.Device
	case ev.SNMP != nil:
		ev.JoinKind = models.JoinSNMPOnly
		ev.Device = ev.SNMP.Device
	default:
		ev.JoinKind = models.JoinBGPOnly
		ev.Device = ev.BGP.Device
	}

	ev.Strength = c.strength(ev)
	return ev
}

// emit enriches and publishes one correlated event unless the
// (device, kind) pair is cooling down.
func (c *Correlator) emit(ev *models.CorrelatedEvent) []models.EnrichedAlert {
	kind := classifyKind(ev)
	key := ev.Device + "|" + kind
	ts := ev.WindowEnd

	if last, ok := c.cooldowns[key]; ok && ts-last < c.opts.CooldownMS {
		c.dedupHits++
		metrics.DedupSuppressed.Inc()
		log.Debug().Str("device", ev.Device).Str("kind", kind).Msg("alert suppressed by cooldown")
		return nil
	}
	c.cooldowns[key] = ts

	alert := c.enrich(ev, kind, ts)
	c.alertsEmitted++
	metrics.AlertsEmitted.WithLabelValues(ev.JoinKind).Inc()
	log.Info().
		Str("device", alert.Triage.Device).
		Str("kind", alert.Kind).
		Str("priority", alert.Priority).
		Str("severity", alert.Severity).
		Str("join", ev.JoinKind).
		Float64("confidence", alert.Confidence).
		Msg("alert emitted")
	return []models.EnrichedAlert{alert}
}

// enrich attaches triage, classification, and operator guidance. Every field
// of the returned alert is populated.
func (c *Correlator) enrich(ev *models.CorrelatedEvent, kind string, ts int64) models.EnrichedAlert {
	role, known := c.topo.Role(ev.Device)
	triage := models.Triage{
		Device: ev.Device,
		Role:   role,
	}
	if known {
		triage.BlastRadius = c.topo.BlastRadius(ev.Device)
		triage.AffectedLayers = c.topo.AffectedLayers(ev.Device)
		triage.SPOF = c.topo.IsSPOF(ev.Device)
		triage.Redundancy = redundancy(role, triage.SPOF, len(c.topo.Neighbors(ev.Device)))
	} else {
		c.unknownDevices++
		metrics.TopologyUnknownDevice.Inc()
		triage.BlastRadius = 1
		triage.AffectedLayers = []string{topology.RoleUnknown}
		triage.Redundancy = "unknown"
	}

	severity := alertSeverity(ev)
	priority := derivePriority(triage.Role, triage.BlastRadius, ev.JoinKind, severity,
		c.opts.SpineBlastThreshold, c.opts.TorBlastThreshold)

	return models.EnrichedAlert{
		AlertID:             uuid.NewString(),
		TS:                  ts,
		Kind:                kind,
		Severity:            severity,
		Priority:            priority,
		Confidence:          combinedConfidence(ev),
		Correlated:          *ev,
		Triage:              triage,
		ProbableRootCause:   rootCause(kind, ev.Device),
		Evidence:            gatherEvidence(ev),
		RecommendedActions:  recommendedActions(kind, ev.Device, priority),
		EstimatedResolution: estimatedResolution(kind, priority),
	}
}

// strength scores how tightly the window's evidence hangs together.
func (c *Correlator) strength(ev *models.CorrelatedEvent) float64 {
	const wTime, wConf, wAdj = 0.4, 0.5, 0.1

	if ev.BGP == nil || ev.SNMP == nil {
		var conf float64
		if ev.BGP != nil {
			conf = ev.BGP.Confidence
		} else {
			conf = ev.SNMP.Confidence
		}
		return clamp01(wConf * conf)
	}

	dt := ev.BGP.TS - ev.SNMP.TS
	if dt < 0 {
		dt = -dt
	}
	timeScore := 1 - float64(dt)/float64(c.opts.WindowMS)
	if timeScore < 0 {
		timeScore = 0
	}

	adjBonus := 0.0
	switch {
	case ev.BGP.Device == ev.SNMP.Device:
		adjBonus = 1.0
	case c.topo.Adjacent(ev.BGP.Device, ev.SNMP.Device):
		adjBonus = 0.5
	}

	conf := (ev.BGP.Confidence + ev.SNMP.Confidence) / 2
	return clamp01(wTime*timeScore + wConf*conf + wAdj*adjBonus)
}

// Stats returns correlation counters.
func (c *Correlator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"bgp_events":      c.bgpEvents,
		"snmp_events":     c.snmpEvents,
		"joins":           c.joins,
		"alerts_emitted":  c.alertsEmitted,
		"dedup_hits":      c.dedupHits,
		"expired_dropped": c.expiredDropped,
		"unknown_devices": c.unknownDevices,
		"armed_windows":   len(c.armed),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
