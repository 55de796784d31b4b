// Package pipeline wires the detectors and the correlator into three tasks
// connected by bounded channels, and owns the shutdown drain.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/aggregator"
	"github.com/hervehildenbrand/fabricwatch/pkg/config"
	"github.com/hervehildenbrand/fabricwatch/pkg/correlator"
	"github.com/hervehildenbrand/fabricwatch/pkg/detector"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
	"github.com/hervehildenbrand/fabricwatch/pkg/topology"
)

const (
	channelCap    = 1024
	tickInterval  = 1 * time.Second
	statsInterval = 30 * time.Second
	shutdownDrain = 5 * time.Second
)

// BGPSource delivers decoded BGP updates until its context is done, then
// closes the channel. Delivery is at-least-once; duplicates are tolerated.
type BGPSource interface {
	SubscribeBGP(ctx context.Context, out chan<- models.BGPUpdate) error
}

// SNMPSource delivers decoded SNMP samples the same way.
type SNMPSource interface {
	SubscribeSNMP(ctx context.Context, out chan<- models.SNMPSample) error
}

// AlertSink publishes enriched alerts at least once, idempotent by alert id.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert models.EnrichedAlert) error
}

// AlertLogger appends alerts to durable storage.
type AlertLogger interface {
	Write(alert models.EnrichedAlert)
}

// Pipeline runs the full detection core against a transport.
type Pipeline struct {
	cfg    *config.Config
	topo   *topology.Topology
	bgp    BGPSource
	snmp   SNMPSource // nil disables the SNMP modality
	sink   AlertSink
	logger AlertLogger // nil disables the durable log
	forest *detector.ForestDetector
}

// New assembles a pipeline. snmp and logger may be nil.
func New(cfg *config.Config, topo *topology.Topology, bgp BGPSource, snmp SNMPSource,
	forest *detector.ForestDetector, sink AlertSink, logger AlertLogger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		topo:   topo,
		bgp:    bgp,
		snmp:   snmp,
		sink:   sink,
		logger: logger,
		forest: forest,
	}
}

// Run blocks until ctx is cancelled or a fatal transport failure occurs.
// On cancellation the tasks drain their input channels within the drain
// deadline; armed correlation states that never confirmed are dropped.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalMu sync.Mutex
	var fatalErr error
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}

	updates := make(chan models.BGPUpdate, channelCap)
	samples := make(chan models.SNMPSample, channelCap)
	bins := make(chan models.FeatureBin, channelCap)
	bgpAnoms := make(chan *models.BGPAnomaly, channelCap)
	snmpAnoms := make(chan *models.SNMPAnomaly, channelCap)

	if err := p.bgp.SubscribeBGP(runCtx, updates); err != nil {
		return err
	}
	if p.snmp != nil {
		if err := p.snmp.SubscribeSNMP(runCtx, samples); err != nil {
			return err
		}
	} else {
		close(samples)
	}

	agg := aggregator.New(p.cfg.Binning.BinSeconds, p.cfg.Binning.FlushDelaySeconds,
		p.cfg.Binning.WindowBins, bins)
	mp := detector.NewMPDetector(p.cfg.Binning.WindowBins, p.cfg.Thresholds.MPDiscord)
	extractor := detector.NewFeatureExtractor(p.cfg.SNMP.SampleWindowSeconds)
	corr := correlator.New(p.topo, correlator.Options{
		WindowMS:            int64(p.cfg.Thresholds.CorrelationWindowSecs) * 1000,
		CooldownMS:          int64(p.cfg.Thresholds.CooldownSeconds) * 1000,
		AdjacencyHops:       p.cfg.Thresholds.AdjacencyHops,
		SpineBlastThreshold: p.cfg.Thresholds.SpineBlastThreshold,
		TorBlastThreshold:   p.cfg.Thresholds.TorBlastThreshold,
		SingleSourceBGPConf: p.cfg.Thresholds.SingleSourceBGPConfidence,
	})

	var wg sync.WaitGroup

	// BGP task: aggregate updates into bins.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(bins)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					agg.Flush(time.Now().UnixMilli())
					return
				}
				agg.Add(u)
			case <-ticker.C:
				agg.Flush(time.Now().UnixMilli())
			}
		}
	}()

	// BGP task: detect discords on closed bins.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(bgpAnoms)
		for fb := range bins {
			if a := mp.Update(fb); a != nil {
				bgpAnoms <- a
			}
		}
	}()

	// SNMP task: extract vectors and score them.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(snmpAnoms)
		predict := func(v models.SNMPFeatureVector) {
			if a := p.forest.Predict(v); a != nil {
				snmpAnoms <- a
			}
		}
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case s, ok := <-samples:
				if !ok {
					for _, v := range extractor.Flush(time.Now().UnixMilli()) {
						predict(v)
					}
					return
				}
				if v := extractor.Add(s); v != nil {
					predict(*v)
				}
			case <-ticker.C:
				for _, v := range extractor.Flush(time.Now().UnixMilli()) {
					predict(v)
				}
			}
		}
	}()

	// Correlator task: join anomalies and publish alerts. Publishing runs on
	// its own context so already-confirmed alerts still go out during the
	// shutdown drain.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		publish := func(alerts []models.EnrichedAlert) {
			for _, alert := range alerts {
				if err := p.sink.PublishAlert(pubCtx, alert); err != nil {
					log.Error().Err(err).Msg("alert publish failed")
					if ctx.Err() == nil {
						fail(err)
					}
					return
				}
				if p.logger != nil {
					p.logger.Write(alert)
				}
			}
		}
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		statsTicker := time.NewTicker(statsInterval)
		defer statsTicker.Stop()
		bgpIn, snmpIn := bgpAnoms, snmpAnoms
		for bgpIn != nil || snmpIn != nil {
			select {
			case a, ok := <-bgpIn:
				if !ok {
					bgpIn = nil
					continue
				}
				publish(corr.IngestBGP(a))
			case a, ok := <-snmpIn:
				if !ok {
					snmpIn = nil
					continue
				}
				publish(corr.IngestSNMP(a))
			case <-ticker.C:
				publish(corr.Sweep(time.Now().UnixMilli()))
			case <-statsTicker.C:
				log.Info().
					Interface("aggregator", agg.Stats()).
					Interface("mp", mp.Stats()).
					Interface("forest", p.forest.Stats()).
					Interface("correlator", corr.Stats()).
					Msg("pipeline stats")
			}
		}
	}()

	// Wait for the tasks, bounding the drain after cancellation.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadlineAfter(runCtx, shutdownDrain):
		log.Warn().Dur("deadline", shutdownDrain).Msg("shutdown drain deadline exceeded")
	}
	pubCancel()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

// deadlineAfter yields a channel that fires d after ctx is cancelled.
func deadlineAfter(ctx context.Context, d time.Duration) <-chan time.Time {
	out := make(chan time.Time, 1)
	go func() {
		<-ctx.Done()
		time.Sleep(d)
		out <- time.Now()
	}()
	return out
}
