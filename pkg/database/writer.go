// Package database provides an append-only PostgreSQL alert log with batch
// writing.
package database

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/hervehildenbrand/fabricwatch/pkg/models"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

// AlertWriter handles batch writing of enriched alerts to PostgreSQL. The
// log is append-only; the alert stream arrives already deduplicated.
type AlertWriter struct {
	db      *sql.DB
	queue   chan models.EnrichedAlert
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	// Stats
	alertsWritten  uint64
	alertsDropped  uint64
	batchesWritten uint64
}

// NewAlertWriter creates a new database alert writer.
func NewAlertWriter(databaseURL string) (*AlertWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Msg("connected to alert log database")

	return &AlertWriter{
		db:    db,
		queue: make(chan models.EnrichedAlert, queueSize),
		done:  make(chan struct{}),
	}, nil
}

// Start begins the background writer goroutine.
func (w *AlertWriter) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.writerLoop()
	log.Info().Msg("alert log writer started")
}

// Stop gracefully shuts down the writer, flushing remaining alerts.
func (w *AlertWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.db.Close()
	log.Info().
		Uint64("written", w.alertsWritten).
		Uint64("dropped", w.alertsDropped).
		Uint64("batches", w.batchesWritten).
		Msg("alert log writer stopped")
}

// Write queues an alert for batch writing.
func (w *AlertWriter) Write(alert models.EnrichedAlert) {
	select {
	case w.queue <- alert:
	default:
		// Queue full, drop from the log; the alert was still published.
		w.alertsDropped++
		if w.alertsDropped%1000 == 0 {
			log.Warn().Uint64("dropped", w.alertsDropped).Msg("alert log queue full")
		}
	}
}

// Stats returns writer statistics.
func (w *AlertWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"alerts_written":  w.alertsWritten,
		"alerts_dropped":  w.alertsDropped,
		"batches_written": w.batchesWritten,
		"queue_len":       len(w.queue),
		"queue_cap":       cap(w.queue),
	}
}

func (w *AlertWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]models.EnrichedAlert, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case alert := <-w.queue:
			batch = append(batch, alert)
			if len(batch) >= batchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-w.done:
			// Flush remaining alerts
			close(w.queue)
			for alert := range w.queue {
				batch = append(batch, alert)
				if len(batch) >= batchSize {
					w.writeBatch(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				w.writeBatch(batch)
			}
			return
		}
	}
}

func (w *AlertWriter) writeBatch(batch []models.EnrichedAlert) {
	if len(batch) == 0 {
		return
	}

	tx, err := w.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("failed to begin alert log transaction")
		return
	}
	defer tx.Rollback()

	written := 0
	for _, alert := range batch {
		if w.writeAlert(tx, alert) {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("failed to commit alert log batch")
		return
	}

	w.alertsWritten += uint64(written)
	w.batchesWritten++
}

func (w *AlertWriter) writeAlert(tx *sql.Tx, alert models.EnrichedAlert) bool {
	correlatedJSON, err := json.Marshal(alert.Correlated)
	if err != nil {
		correlatedJSON = []byte("{}")
	}
	triageJSON, err := json.Marshal(alert.Triage)
	if err != nil {
		triageJSON = []byte("{}")
	}
	evidenceJSON, err := json.Marshal(alert.Evidence)
	if err != nil {
		evidenceJSON = []byte("[]")
	}

	_, err = tx.Exec(`
		INSERT INTO enriched_alerts (
			alert_id, ts, device, kind, severity, priority, confidence,
			join_kind, correlation_strength, correlated, triage,
			probable_root_cause, evidence, estimated_resolution
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (alert_id) DO NOTHING
	`,
		alert.AlertID,
		time.UnixMilli(alert.TS).UTC(),
		alert.Triage.Device,
		alert.Kind,
		alert.Severity,
		alert.Priority,
		alert.Confidence,
		alert.Correlated.JoinKind,
		alert.Correlated.Strength,
		correlatedJSON,
		triageJSON,
		alert.ProbableRootCause,
		evidenceJSON,
		alert.EstimatedResolution,
	)

	if err != nil {
		log.Error().Err(err).Str("alert_id", alert.AlertID).Msg("failed to insert alert")
		return false
	}

	return true
}
