package ingest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const quarantineBuffer = 1024

// QuarantineWriter records rejected messages off the hot path. Events go
// through a bounded buffer to a single writer goroutine; when the buffer
// is full the event is dropped and counted. A store failure here never
// blocks or fails ingest.
type QuarantineWriter struct {
	gw      *store.Gateway
	logger  logging.Logger
	metrics *Metrics

	in     chan models.QuarantineEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQuarantineWriter builds the writer with the standard buffer size.
func NewQuarantineWriter(gw *store.Gateway, logger logging.Logger, metrics *Metrics) *QuarantineWriter {
	return &QuarantineWriter{
		gw:      gw,
		logger:  logger,
		metrics: metrics,
		in:      make(chan models.QuarantineEvent, quarantineBuffer),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the writer goroutine.
func (q *QuarantineWriter) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop drains what is buffered and returns.
func (q *QuarantineWriter) Stop() {
	close(q.stopCh)
	q.wg.Wait()
}

// Record queues one quarantine event. Never blocks; a full buffer drops
// the event.
func (q *QuarantineWriter) Record(event models.QuarantineEvent) {
	if event.EventID == "" {
		event.EventID = store.NewEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	q.metrics.quarantined(event.Reason)
	q.logger.WithFields(logging.Fields{
		"tenant_id": event.TenantID,
		"device_id": event.DeviceID,
		"topic":     event.Topic,
		"reason":    event.Reason,
		"detail":    event.Detail,
	}).Warn("Message quarantined")

	select {
	case q.in <- event:
	default:
		q.metrics.quarantineDropped()
		q.logger.WithField("reason", event.Reason).Warn("Quarantine buffer full, event dropped")
	}
}

func (q *QuarantineWriter) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	pending := make([]models.QuarantineEvent, 0, 64)
	for {
		select {
		case event := <-q.in:
			pending = append(pending, event)
			if len(pending) >= 100 {
				q.write(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				q.write(pending)
				pending = pending[:0]
			}
		case <-q.stopCh:
			for {
				select {
				case event := <-q.in:
					pending = append(pending, event)
				default:
					if len(pending) > 0 {
						q.write(pending)
					}
					return
				}
			}
		}
	}
}

func (q *QuarantineWriter) write(events []models.QuarantineEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := q.gw.WithService(ctx, func(tx *sql.Tx) error {
		for _, event := range events {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO quarantine_events (event_id, tenant_id, device_id, topic, reason, detail, payload_size, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, event.EventID, event.TenantID, event.DeviceID, event.Topic,
				event.Reason, event.Detail, event.PayloadSize, event.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		q.logger.WithFields(logging.Fields{
			"count": len(events),
			"error": err,
		}).Error("Failed to write quarantine events")
	}
}
