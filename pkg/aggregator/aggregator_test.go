package aggregator

import (
	"testing"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

const binMS = 30_000

func collect(ch chan models.FeatureBin) []models.FeatureBin {
	var out []models.FeatureBin
	for {
		select {
		case fb := <-ch:
			out = append(out, fb)
		default:
			return out
		}
	}
}

func newTestAggregator() (*Aggregator, chan models.FeatureBin) {
	bins := make(chan models.FeatureBin, 1024)
	return New(30, 5, 8, bins), bins
}

func TestBinAggregation(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgUpdate,
		Announce: []string{"10.0.0.0/24", "10.0.1.0/24"}, ASPath: []int{65001, 65010}})
	agg.Add(models.BGPUpdate{TS: base + 1000, Peer: "tor-01", Type: models.MsgUpdate,
		Withdraw: []string{"10.0.2.0/24"}, ASPath: []int{65001, 65020}})
	agg.Add(models.BGPUpdate{TS: base + 2000, Peer: "tor-01", Type: models.MsgUpdate,
		Announce: []string{"10.0.3.0/24"}, ASPath: []int{65001, 65010}})

	agg.Flush(base + 3*binMS)
	out := collect(bins)
	if len(out) == 0 {
		t.Fatal("expected at least one bin")
	}

	fb := out[0]
	if fb.Device != "tor-01" {
		t.Errorf("device = %s, want tor-01", fb.Device)
	}
	if fb.Announcements != 3 {
		t.Errorf("announcements = %v, want 3", fb.Announcements)
	}
	if fb.Withdrawals != 1 {
		t.Errorf("withdrawals = %v, want 1", fb.Withdrawals)
	}
	// 2 unique paths over 3 updates
	if got, want := fb.ASPathChurn, 2.0/3.0; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("churn = %v, want %v", got, want)
	}
	if fb.PeerCount != 1 {
		t.Errorf("peer count = %d, want 1", fb.PeerCount)
	}
	if fb.BinEnd != fb.BinStart+binMS {
		t.Errorf("bin end %d != start %d + bin length", fb.BinEnd, fb.BinStart)
	}
}

func TestPeerCountIsFabricWide(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.0.0/24"}})
	agg.Add(models.BGPUpdate{TS: base + 100, Peer: "tor-02", Type: models.MsgUpdate, Announce: []string{"10.1.0.0/24"}})

	agg.Flush(base + binMS + 10_000)
	out := collect(bins)
	if len(out) != 2 {
		t.Fatalf("expected 2 bins, got %d", len(out))
	}
	for _, fb := range out {
		if fb.PeerCount != 2 {
			t.Errorf("peer count for %s = %d, want 2", fb.Device, fb.PeerCount)
		}
	}
}

func TestLagDrops(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base + 10*binMS, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.0.0/24"}})
	// More than max_bin_lag (2 bins) behind the watermark.
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.1.0/24"}})

	stats := agg.Stats()
	if stats["lag_drops"].(uint64) != 1 {
		t.Errorf("lag drops = %v, want 1", stats["lag_drops"])
	}
	collect(bins)
}

func TestOutOfOrderWithinLagAccepted(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base + binMS, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.0.0/24"}})
	// One bin behind: within max_bin_lag, accepted.
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.1.0/24"}})

	if drops := agg.Stats()["lag_drops"].(uint64); drops != 0 {
		t.Errorf("lag drops = %d, want 0", drops)
	}

	agg.Flush(base + 4*binMS)
	out := collect(bins)
	var first *models.FeatureBin
	for i := range out {
		if out[i].BinStart == base-(base%binMS) {
			first = &out[i]
		}
	}
	if first == nil || first.Announcements != 1 {
		t.Fatalf("expected the late update counted in its own bin, got %+v", out)
	}
}

func TestIdleDeviceEmitsZeroBins(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgUpdate, Announce: []string{"10.0.0.0/24"}})

	// Three bins of silence.
	agg.Flush(base + 4*binMS)
	out := collect(bins)
	if len(out) < 3 {
		t.Fatalf("expected zero bins for the idle device, got %d bins", len(out))
	}
	zeroes := 0
	for _, fb := range out {
		if fb.UpdateCount == 0 {
			if fb.Announcements != 0 || fb.Withdrawals != 0 || fb.ASPathChurn != 0 {
				t.Errorf("idle bin carries nonzero counts: %+v", fb)
			}
			zeroes++
		}
	}
	if zeroes == 0 {
		t.Error("expected at least one zero-valued bin")
	}
}

func TestKeepaliveCarriesNoCounts(t *testing.T) {
	agg, bins := newTestAggregator()

	base := int64(1_700_000_010_000)
	agg.Add(models.BGPUpdate{TS: base, Peer: "tor-01", Type: models.MsgKeepalive})

	agg.Flush(base + 2*binMS)
	out := collect(bins)
	if len(out) == 0 {
		t.Fatal("expected a bin for the active peer")
	}
	if out[0].UpdateCount != 0 || out[0].Announcements != 0 {
		t.Errorf("keepalive should not count as routing activity: %+v", out[0])
	}
	if out[0].PeerCount != 1 {
		t.Errorf("keepalive should mark the peer active, peer count = %d", out[0].PeerCount)
	}
}
