package correlator

import (
	"fmt"
	"strings"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
	"github.com/hervehildenbrand/fabricwatch/pkg/topology"
)

// classifyKind applies the deterministic failure rule table to the
// contributing features and the cross-modal pattern.
func classifyKind(ev *models.CorrelatedEvent) string {
	bgpSeries := map[string]bool{}
	if ev.BGP != nil {
		for _, s := range ev.BGP.DetectedSeries {
			bgpSeries[s] = true
		}
	}
	snmpFeature := func(substr string) bool {
		if ev.SNMP == nil {
			return false
		}
		for _, f := range ev.SNMP.ContributingFeatures {
			if strings.Contains(f, substr) {
				return true
			}
		}
		return false
	}

	switch {
	case ev.BGP != nil && bgpSeries[models.SeriesWithdrawals] && snmpFeature("interface_error"):
		return models.KindLinkFailure
	case ev.BGP != nil && ev.SNMP != nil && bgpSeries[models.SeriesChurn] &&
		(snmpFeature("cpu") || snmpFeature("memory")):
		return models.KindRouterOverload
	case ev.BGP == nil && (snmpFeature("temperature") || snmpFeature("cpu_utilization_max")):
		return models.KindHardwareDegradation
	case ev.SNMP == nil && flappingPattern(bgpSeries, ev.BGP):
		return models.KindBGPFlapping
	default:
		return models.KindUnclassified
	}
}

// flappingPattern recognizes periodic announce/withdraw churn: either the
// churn series itself flags, or announcements and withdrawals discord
// together.
func flappingPattern(series map[string]bool, a *models.BGPAnomaly) bool {
	if a == nil {
		return false
	}
	if series[models.SeriesChurn] {
		return true
	}
	return series[models.SeriesAnnouncements] && series[models.SeriesWithdrawals]
}

// derivePriority is a pure function of role, blast radius, join kind, and
// severity. Unknown devices degrade to P3.
func derivePriority(role string, blastRadius int, joinKind, severity string, spineBlast, torBlast int) string {
	switch {
	case role == topology.RoleSpine || role == topology.RoleRR,
		blastRadius >= spineBlast,
		joinKind == models.JoinMultimodal && severity == models.SeverityCritical:
		return models.PriorityP1
	case role == topology.RoleTor, blastRadius >= torBlast:
		return models.PriorityP2
	case role == topology.RoleLeaf, blastRadius >= 2, role == topology.RoleUnknown:
		return models.PriorityP3
	default:
		return models.PriorityP4
	}
}

// alertSeverity takes the highest severity across the joined modalities.
// BGP severity derives from detection confidence.
func alertSeverity(ev *models.CorrelatedEvent) string {
	severity := models.SeverityInfo
	if ev.SNMP != nil {
		severity = ev.SNMP.Severity
	}
	if ev.BGP != nil {
		if b := bgpSeverity(ev.BGP.Confidence); models.SeverityRank(b) > models.SeverityRank(severity) {
			severity = b
		}
	}
	return severity
}

func bgpSeverity(confidence float64) string {
	switch {
	case confidence > 0.85:
		return models.SeverityCritical
	case confidence > 0.7:
		return models.SeverityError
	case confidence > 0.5:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// combinedConfidence averages the modality confidences, with a multimodal
// confirmation boost.
func combinedConfidence(ev *models.CorrelatedEvent) float64 {
	var sum float64
	var n int
	if ev.BGP != nil {
		sum += ev.BGP.Confidence
		n++
	}
	if ev.SNMP != nil {
		sum += ev.SNMP.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	conf := sum / float64(n)
	if n == 2 {
		conf *= 1.3
	}
	return clamp01(conf)
}

// gatherEvidence renders one line per anomalous series or feature, plus the
// confirmation line for multimodal events. Every emitted alert carries at
// least one entry.
func gatherEvidence(ev *models.CorrelatedEvent) []string {
	var out []string
	if ev.BGP != nil {
		for _, s := range ev.BGP.DetectedSeries {
			out = append(out, fmt.Sprintf("bgp %s discord distance %.2f (confidence %.2f)",
				s, ev.BGP.Distances[s], ev.BGP.Confidence))
		}
	}
	if ev.SNMP != nil {
		for _, f := range ev.SNMP.ContributingFeatures {
			out = append(out, fmt.Sprintf("snmp %s z=%.1f (score %.3f)",
				f, ev.SNMP.FeatureZScores[f], ev.SNMP.Score))
		}
	}
	if ev.JoinKind == models.JoinMultimodal {
		out = append(out, fmt.Sprintf("multimodal confirmation (strength %.2f)", ev.Strength))
	}
	return out
}

func rootCause(kind, device string) string {
	switch kind {
	case models.KindLinkFailure:
		return fmt.Sprintf("Physical link failure on %s", device)
	case models.KindHardwareDegradation:
		return fmt.Sprintf("Hardware degradation on %s", device)
	case models.KindBGPFlapping:
		return fmt.Sprintf("Routing instability at %s", device)
	case models.KindRouterOverload:
		return fmt.Sprintf("Control-plane resource exhaustion on %s", device)
	default:
		return fmt.Sprintf("Anomaly detected at %s", device)
	}
}

func recommendedActions(kind, device, priority string) []string {
	var actions []string
	switch kind {
	case models.KindLinkFailure:
		actions = append(actions,
			fmt.Sprintf("Check physical link status on %s (show interface status)", device),
			fmt.Sprintf("Inspect interface error counters on %s (show interface counters errors)", device))
	case models.KindHardwareDegradation:
		actions = append(actions,
			fmt.Sprintf("Check environmental sensors on %s (show environment all)", device),
			fmt.Sprintf("Review process load on %s (show processes cpu sorted)", device))
	case models.KindBGPFlapping:
		actions = append(actions,
			fmt.Sprintf("Verify BGP session health on %s (show bgp neighbor)", device),
			fmt.Sprintf("Check route dampening state on %s (show bgp dampening flap-statistics)", device))
	case models.KindRouterOverload:
		actions = append(actions,
			fmt.Sprintf("Review control-plane load on %s (show processes cpu sorted)", device),
			fmt.Sprintf("Check BGP table churn on %s (show bgp summary)", device))
	default:
		actions = append(actions,
			fmt.Sprintf("Inspect recent telemetry for %s across both modalities", device))
	}
	if priority == models.PriorityP1 {
		actions = append(actions, "Escalate to on-call network engineer (NOC hotline)")
	}
	return actions
}

func estimatedResolution(kind, priority string) string {
	var base string
	switch kind {
	case models.KindLinkFailure:
		base = "30-60 minutes"
	case models.KindHardwareDegradation:
		base = "1-4 hours"
	case models.KindBGPFlapping:
		base = "15-30 minutes"
	case models.KindRouterOverload:
		base = "15-30 minutes"
	default:
		base = "30-60 minutes"
	}
	if priority == models.PriorityP1 {
		return base + " (URGENT)"
	}
	return base
}

// redundancy summarizes failover headroom for the triage block.
func redundancy(role string, spof bool, degree int) string {
	switch {
	case spof:
		return "none (single point of failure)"
	case role == topology.RoleServer:
		return "local only"
	case degree > 1:
		return "available"
	default:
		return "limited"
	}
}
