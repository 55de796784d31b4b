// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Binning controls BGP feature aggregation and the matrix profile window.
type Binning struct {
	BinSeconds        int `yaml:"bin_seconds"`
	WindowBins        int `yaml:"window_bins"`
	FlushDelaySeconds int `yaml:"flush_delay_seconds"`
}

// Thresholds holds the detection and correlation tuning knobs.
type Thresholds struct {
	MPDiscord                 float64 `yaml:"mp_discord"`
	IFContamination           float64 `yaml:"if_contamination"`
	CorrelationWindowSecs     int     `yaml:"correlation_window_secs"`
	CooldownSeconds           int     `yaml:"cooldown_seconds"`
	SpineBlastThreshold       int     `yaml:"spine_blast_threshold"`
	TorBlastThreshold         int     `yaml:"tor_blast_threshold"`
	SingleSourceBGPConfidence float64 `yaml:"single_source_bgp_confidence"`
	AdjacencyHops             int     `yaml:"adjacency_hops"`
}

// Transport configures the message bus and the optional sinks.
type Transport struct {
	URL            string `yaml:"url"`
	BGPSubject     string `yaml:"bgp_subject"`
	SNMPSubject    string `yaml:"snmp_subject"`
	AlertSubject   string `yaml:"alert_subject"`
	BGPFeedURL     string `yaml:"bgp_feed_url"` // optional websocket ingest
	RedisURL       string `yaml:"redis_url"`    // optional publish idempotency
	DatabaseURL    string `yaml:"database_url"` // optional append-only alert log
	FatalAfterSecs int    `yaml:"fatal_after_secs"`
}

// SNMP configures the SNMP feature extraction window.
type SNMP struct {
	SampleWindowSeconds int `yaml:"sample_window_seconds"`
}

// Config is the full runtime configuration.
type Config struct {
	Binning    Binning    `yaml:"binning"`
	Thresholds Thresholds `yaml:"thresholds"`
	Transport  Transport  `yaml:"transport"`
	SNMP       SNMP       `yaml:"snmp"`
	Topology   string     `yaml:"topology"`
	Seed       int64      `yaml:"seed"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Binning: Binning{
			BinSeconds:        30,
			WindowBins:        64,
			FlushDelaySeconds: 5,
		},
		Thresholds: Thresholds{
			MPDiscord:                 2.5,
			IFContamination:           0.02,
			CorrelationWindowSecs:     60,
			CooldownSeconds:           120,
			SpineBlastThreshold:       12,
			TorBlastThreshold:         4,
			SingleSourceBGPConfidence: 0.85,
			AdjacencyHops:             1,
		},
		Transport: Transport{
			URL:            "nats://127.0.0.1:4222",
			BGPSubject:     "bgp.updates",
			SNMPSubject:    "snmp.metrics",
			AlertSubject:   "alerts.enriched",
			FatalAfterSecs: 300,
		},
		SNMP: SNMP{
			SampleWindowSeconds: 60,
		},
		Topology: "configs/topology.yml",
		Seed:     42,
	}
}

// Load reads the YAML config at path, applies defaults for absent fields,
// then validates. The TRANSPORT_URL environment variable overrides the bus
// endpoint.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if env := os.Getenv("TRANSPORT_URL"); env != "" {
		cfg.Transport.URL = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Binning.BinSeconds <= 0 {
		return fmt.Errorf("binning.bin_seconds must be positive, got %d", c.Binning.BinSeconds)
	}
	if c.Binning.WindowBins < 4 {
		return fmt.Errorf("binning.window_bins must be at least 4, got %d", c.Binning.WindowBins)
	}
	if c.Binning.FlushDelaySeconds < 0 {
		return fmt.Errorf("binning.flush_delay_seconds must not be negative, got %d", c.Binning.FlushDelaySeconds)
	}
	if c.Thresholds.MPDiscord <= 0 {
		return fmt.Errorf("thresholds.mp_discord must be positive, got %v", c.Thresholds.MPDiscord)
	}
	if c.Thresholds.IFContamination <= 0 || c.Thresholds.IFContamination > 0.5 {
		return fmt.Errorf("thresholds.if_contamination must be in (0, 0.5], got %v", c.Thresholds.IFContamination)
	}
	if c.Thresholds.CorrelationWindowSecs <= 0 {
		return fmt.Errorf("thresholds.correlation_window_secs must be positive, got %d", c.Thresholds.CorrelationWindowSecs)
	}
	if c.Thresholds.CooldownSeconds <= 0 {
		return fmt.Errorf("thresholds.cooldown_seconds must be positive, got %d", c.Thresholds.CooldownSeconds)
	}
	if c.Thresholds.SingleSourceBGPConfidence < 0 || c.Thresholds.SingleSourceBGPConfidence > 1 {
		return fmt.Errorf("thresholds.single_source_bgp_confidence must be in [0,1], got %v", c.Thresholds.SingleSourceBGPConfidence)
	}
	if c.Thresholds.AdjacencyHops < 0 || c.Thresholds.AdjacencyHops > 1 {
		return fmt.Errorf("thresholds.adjacency_hops must be 0 or 1, got %d", c.Thresholds.AdjacencyHops)
	}
	if c.SNMP.SampleWindowSeconds <= 0 {
		return fmt.Errorf("snmp.sample_window_seconds must be positive, got %d", c.SNMP.SampleWindowSeconds)
	}
	if c.Transport.URL == "" && c.Transport.BGPFeedURL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if c.Topology == "" {
		return fmt.Errorf("topology path is required")
	}
	return nil
}

// MaxBinLag is the oldest accepted update age relative to the fabric-wide
// watermark (the newest event time seen from any device); older updates are
// dropped and counted.
func (c *Config) MaxBinLag() int64 {
	return int64(2*c.Binning.BinSeconds) * 1000
}
