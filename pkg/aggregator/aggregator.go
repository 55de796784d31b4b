// Package aggregator converts the decoded BGP update stream into per-device
// feature bins aligned to fixed bin boundaries.
package aggregator

import (
	"math"
	"sort"
	"strconv"

	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

type binAcc struct {
	withdrawals   float64
	announcements float64
	updates       int
	paths         map[string]bool
}

// Aggregator accumulates BGP updates into per-(device, bin) feature bins.
// Bins close either on event time (when the fabric watermark has advanced
// past the bin's lag horizon) or on wall time via Flush. A closed bin can
// never accept an update; late updates are dropped and counted.
type Aggregator struct {
	binMS       int64
	flushMS     int64
	maxLagMS    int64
	maxBackfill int

	out chan<- models.FeatureBin

	accs          map[string]map[int64]*binAcc // device -> bin start -> accumulator
	nextBin       map[string]int64             // device -> next bin start to emit
	binPeers      map[int64]map[string]bool    // bin start -> fabric-wide active peers
	watermark     int64                        // max event ts observed
	closedThrough int64                        // bins starting before this are closed

	// Stats
	lagDrops    uint64
	binsEmitted uint64
}

// New creates an aggregator emitting closed bins to out.
func New(binSeconds, flushDelaySeconds, windowBins int, out chan<- models.FeatureBin) *Aggregator {
	return &Aggregator{
		binMS:         int64(binSeconds) * 1000,
		flushMS:       int64(flushDelaySeconds) * 1000,
		maxLagMS:      int64(2*binSeconds) * 1000,
		maxBackfill:   windowBins * 3,
		out:           out,
		accs:          make(map[string]map[int64]*binAcc),
		nextBin:       make(map[string]int64),
		binPeers:      make(map[int64]map[string]bool),
		closedThrough: math.MinInt64,
	}
}

func (a *Aggregator) binOf(ts int64) int64 {
	return ts - (ts % a.binMS)
}

// Add ingests one update. Updates whose bin has already closed, which
// event-time closing bounds at max_bin_lag behind the fabric watermark, are
// dropped and counted as lag drops.
func (a *Aggregator) Add(u models.BGPUpdate) {
	if u.TS > a.watermark {
		a.watermark = u.TS
	}

	bin := a.binOf(u.TS)
	if bin < a.closedThrough {
		a.lagDrops++
		metrics.BGPLagDrops.Inc()
		return
	}
	if next, ok := a.nextBin[u.Peer]; !ok || bin < next {
		a.nextBin[u.Peer] = bin
	}

	peers := a.binPeers[bin]
	if peers == nil {
		peers = make(map[string]bool)
		a.binPeers[bin] = peers
	}
	peers[u.Peer] = true

	devBins := a.accs[u.Peer]
	if devBins == nil {
		devBins = make(map[int64]*binAcc)
		a.accs[u.Peer] = devBins
	}
	acc := devBins[bin]
	if acc == nil {
		acc = &binAcc{paths: make(map[string]bool)}
		devBins[bin] = acc
	}

	switch u.Type {
	case models.MsgUpdate, models.MsgWithdraw:
		acc.updates++
		acc.announcements += float64(len(u.Announce))
		acc.withdrawals += float64(len(u.Withdraw))
		if len(u.ASPath) > 0 {
			acc.paths[pathKey(u.ASPath)] = true
		}
	default:
		// KEEPALIVE and NOTIFICATION mark the peer active but carry no
		// routing content.
	}

	// Event-time close: any bin whose lag horizon has passed can no longer
	// receive accepted updates.
	a.closeThrough(a.watermark - a.maxLagMS)
}

// Flush closes every bin whose end plus flush_delay lies at or before now.
// The pipeline calls this on a ticker; tests drive it directly.
func (a *Aggregator) Flush(nowMS int64) {
	a.closeThrough(nowMS - a.flushMS)
}

// closeThrough emits all bins ending at or before the limit, in device order
// for determinism, backfilling zero bins so each device's series stays
// contiguous for the downstream ring.
func (a *Aggregator) closeThrough(limit int64) {
	if a.binOf(limit) <= a.closedThrough {
		return
	}
	devices := make([]string, 0, len(a.nextBin))
	for d := range a.nextBin {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	for _, dev := range devices {
		next := a.nextBin[dev]
		// Bound zero-bin backfill to the downstream ring length; older empty
		// bins have already aged out of every consumer. Bins holding
		// accepted updates are always emitted.
		floor := a.binOf(limit) - int64(a.maxBackfill)*a.binMS
		for bin := range a.accs[dev] {
			if bin < floor {
				floor = bin
			}
		}
		if next < floor {
			next = floor
		}
		for ; next+a.binMS <= limit; next += a.binMS {
			a.emit(dev, next)
		}
		a.nextBin[dev] = next
	}

	a.closedThrough = a.binOf(limit)
	for bin := range a.binPeers {
		if bin < a.closedThrough {
			delete(a.binPeers, bin)
		}
	}
}

func (a *Aggregator) emit(dev string, bin int64) {
	fb := models.FeatureBin{
		Device:    dev,
		BinStart:  bin,
		BinEnd:    bin + a.binMS,
		PeerCount: len(a.binPeers[bin]),
	}
	if acc := a.accs[dev][bin]; acc != nil {
		fb.Withdrawals = acc.withdrawals
		fb.Announcements = acc.announcements
		fb.UpdateCount = acc.updates
		if acc.updates > 0 {
			fb.ASPathChurn = float64(len(acc.paths)) / float64(acc.updates)
		}
		delete(a.accs[dev], bin)
	}
	a.binsEmitted++
	a.out <- fb
}

// Stats returns aggregation counters.
func (a *Aggregator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"lag_drops":    a.lagDrops,
		"bins_emitted": a.binsEmitted,
		"devices":      len(a.nextBin),
	}
}

func pathKey(path []int) string {
	buf := make([]byte, 0, len(path)*6)
	for i, asn := range path {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendInt(buf, int64(asn), 10)
	}
	return string(buf)
}
