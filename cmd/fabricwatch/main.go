// fabricwatch - multi-modal failure detection for routed data-center fabrics.
//
// Fuses BGP control-plane telemetry (streaming matrix profile) and SNMP
// device metrics (isolation forest) into topology-aware enriched alerts.
//
// Usage:
//
//	fabricwatch run --config configs/fabricwatch.yml --model model.json
//	fabricwatch validate-config --config configs/fabricwatch.yml
//	fabricwatch train --config configs/fabricwatch.yml --samples baseline.jsonl --out model.json
//
// Environment variables:
//
//	TRANSPORT_URL - message bus endpoint (overrides transport.url)
//	LOG_LEVEL     - info|debug|warn|error
//	METRICS_ADDR  - optional observability endpoint
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hervehildenbrand/fabricwatch/pkg/config"
	"github.com/hervehildenbrand/fabricwatch/pkg/database"
	"github.com/hervehildenbrand/fabricwatch/pkg/detector"
	"github.com/hervehildenbrand/fabricwatch/pkg/logging"
	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/pipeline"
	"github.com/hervehildenbrand/fabricwatch/pkg/topology"
	"github.com/hervehildenbrand/fabricwatch/pkg/transport"
	"github.com/hervehildenbrand/fabricwatch/pkg/wsfeed"
)

// Exit codes
const (
	exitOK            = 0
	exitInvalidConfig = 2
	exitModelLoad     = 3
	exitTransport     = 4
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	_ = godotenv.Load()
	logging.Setup("info")

	root := &cobra.Command{
		Use:           "fabricwatch",
		Short:         "Multi-modal failure detection for routed fabrics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateConfigCmd())
	root.AddCommand(newTrainCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath   string
		modelPath    string
		allowBGPOnly bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the detection pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitInvalidConfig, err)
			}
			topo, err := topology.Load(cfg.Topology)
			if err != nil {
				return exitWith(exitInvalidConfig, err)
			}
			log.Info().Int("devices", topo.Devices()).Str("topology", cfg.Topology).Msg("topology loaded")

			var model *detector.Model
			if modelPath != "" {
				model, err = detector.LoadModel(modelPath)
				if err != nil {
					if !allowBGPOnly {
						return exitWith(exitModelLoad, err)
					}
					log.Warn().Err(err).Msg("model unavailable, SNMP detection disabled")
				}
			} else if !allowBGPOnly {
				return exitWith(exitModelLoad, fmt.Errorf("--model is required unless --allow-bgp-only is set"))
			}
			forest := detector.NewForestDetector(model)

			metrics.Serve()

			idemTTL := time.Duration(cfg.Thresholds.CooldownSeconds) * time.Second
			bus, err := transport.Connect(cfg.Transport, idemTTL)
			if err != nil {
				return exitWith(exitTransport, err)
			}
			defer bus.Close()

			var bgpSource pipeline.BGPSource = bus
			if cfg.Transport.BGPFeedURL != "" {
				bgpSource = wsfeed.NewClient(cfg.Transport.BGPFeedURL, 100000)
				log.Info().Str("url", cfg.Transport.BGPFeedURL).Msg("consuming BGP updates from websocket feed")
			}

			var snmpSource pipeline.SNMPSource
			if forest.Loaded() {
				snmpSource = bus
			}

			var logger pipeline.AlertLogger
			if cfg.Transport.DatabaseURL != "" {
				writer, err := database.NewAlertWriter(cfg.Transport.DatabaseURL)
				if err != nil {
					log.Warn().Err(err).Msg("alert log database unavailable")
				} else {
					writer.Start()
					defer writer.Stop()
					logger = writer
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Msg("fabricwatch starting")
			p := pipeline.New(cfg, topo, bgpSource, snmpSource, forest, bus, logger)
			if err := p.Run(ctx); err != nil {
				return exitWith(exitTransport, err)
			}
			log.Info().Msg("fabricwatch stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/fabricwatch.yml", "path to configuration file")
	cmd.Flags().StringVar(&modelPath, "model", "", "path to isolation forest model")
	cmd.Flags().BoolVar(&allowBGPOnly, "allow-bgp-only", false, "run without an SNMP model")
	return cmd
}

func newValidateConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate configuration and topology, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitInvalidConfig, err)
			}
			topo, err := topology.Load(cfg.Topology)
			if err != nil {
				return exitWith(exitInvalidConfig, err)
			}
			fmt.Printf("configuration valid: %d devices\n", topo.Devices())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/fabricwatch.yml", "path to configuration file")
	return cmd
}

func newTrainCmd() *cobra.Command {
	var (
		configPath  string
		samplesPath string
		outPath     string
		trees       int
		sampleSize  int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an isolation forest model from baseline SNMP samples",
		Long: `Reads JSON-lines SNMPSample records, windows them with the same
feature schema the runtime uses, fits a seeded isolation forest, and
calibrates the decision threshold to the configured contamination rate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitWith(exitInvalidConfig, err)
			}

			vectors, err := trainingVectors(samplesPath, cfg.SNMP.SampleWindowSeconds)
			if err != nil {
				return exitWith(exitModelLoad, err)
			}
			log.Info().Int("vectors", len(vectors)).Msg("extracted training vectors")

			model, err := detector.Fit(vectors, detector.FeatureNames, trees, sampleSize,
				cfg.Thresholds.IFContamination, cfg.Seed)
			if err != nil {
				return exitWith(exitModelLoad, err)
			}
			if err := model.Save(outPath); err != nil {
				return exitWith(exitModelLoad, err)
			}
			log.Info().Str("out", outPath).Float64("threshold", model.Threshold).Msg("model written")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "configs/fabricwatch.yml", "path to configuration file")
	cmd.Flags().StringVar(&samplesPath, "samples", "", "JSON-lines file of baseline SNMP samples")
	cmd.Flags().StringVar(&outPath, "out", "model.json", "output model path")
	cmd.Flags().IntVar(&trees, "trees", 150, "number of isolation trees")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 256, "subsample size per tree")
	cmd.MarkFlagRequired("samples")
	return cmd
}
