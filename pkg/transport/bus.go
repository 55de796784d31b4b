// Package transport binds the core to the message bus: BGP and SNMP
// subscriptions in, enriched alerts out.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/config"
	"github.com/hervehildenbrand/fabricwatch/pkg/metrics"
	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// Bus is the NATS-backed transport. An optional Redis client makes alert
// publishing idempotent across restarts.
type Bus struct {
	nc         *nats.Conn
	cfg        config.Transport
	rdb        *redis.Client
	idemTTL    time.Duration
	fatalAfter time.Duration
}

// Connect dials the bus and, when configured, the idempotency store. A
// failure here is fatal at startup.
func Connect(cfg config.Transport, idemTTL time.Duration) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("fabricwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(backoffBase),
	)
	if err != nil {
		return nil, fmt.Errorf("connect transport %s: %w", cfg.URL, err)
	}

	b := &Bus{
		nc:         nc,
		cfg:        cfg,
		idemTTL:    idemTTL,
		fatalAfter: time.Duration(cfg.FatalAfterSecs) * time.Second,
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, publish idempotency disabled")
		} else {
			b.rdb = rdb
			log.Info().Str("url", cfg.RedisURL).Msg("publish idempotency enabled")
		}
	}

	log.Info().Str("url", cfg.URL).Msg("connected to transport")
	return b, nil
}

// Close releases the bus connections.
func (b *Bus) Close() {
	b.nc.Close()
	if b.rdb != nil {
		b.rdb.Close()
	}
}

// SubscribeBGP delivers decoded BGP updates to out until ctx is done, then
// closes out. Malformed records are counted and skipped.
func (b *Bus) SubscribeBGP(ctx context.Context, out chan<- models.BGPUpdate) error {
	return subscribeJSON(ctx, b.nc, b.cfg.BGPSubject, "bgp", out)
}

// SubscribeSNMP delivers decoded SNMP samples to out until ctx is done, then
// closes out.
func (b *Bus) SubscribeSNMP(ctx context.Context, out chan<- models.SNMPSample) error {
	return subscribeJSON(ctx, b.nc, b.cfg.SNMPSubject, "snmp", out)
}

func subscribeJSON[T any](ctx context.Context, nc *nats.Conn, subject, stream string, out chan<- T) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var rec T
				if err := json.Unmarshal(msg.Data, &rec); err != nil {
					metrics.MalformedRecords.WithLabelValues(stream).Inc()
					log.Debug().Err(err).Str("subject", subject).Msg("dropping malformed record")
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

// PublishAlert publishes one alert at least once, retrying transient
// failures with jittered exponential backoff. It returns an error when
// retries have exceeded the fatal horizon, which the caller treats as a
// runtime-fatal transport failure, when ctx is cancelled during a retry
// wait, or when the alert cannot be encoded. Duplicate alert ids are dropped
// when the idempotency store is available.
func (b *Bus) PublishAlert(ctx context.Context, alert models.EnrichedAlert) error {
	if b.rdb != nil {
		ok, err := b.rdb.SetNX(ctx, "fabricwatch:alert:"+alert.AlertID, 1, b.idemTTL).Result()
		if err == nil && !ok {
			log.Debug().Str("alert_id", alert.AlertID).Msg("alert already published, skipping")
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Msg("idempotency check failed, publishing anyway")
		}
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	delay := backoffBase
	deadline := time.Now().Add(b.fatalAfter)
	for {
		if err := b.nc.Publish(b.cfg.AlertSubject, data); err == nil {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("publish alert: transport unavailable for %s: %w", b.fatalAfter, err)
		} else {
			metrics.PublishRetries.Inc()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("publish failed, retrying")
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}
