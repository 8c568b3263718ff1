package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const overflowFilePattern = "telemetry-*.jsonl"

// batchItem is one queued row. Exactly one field is set. The same shape is
// the overflow JSONL line, so spilled batches replay through the normal
// path.
type batchItem struct {
	Telemetry *models.TelemetryRow `json:"telemetry,omitempty"`
	Health    *models.HealthRow    `json:"health,omitempty"`
}

// Batcher aggregates accepted rows and writes them in one transaction per
// flush: the telemetry batch, the health batch, the device_state touches,
// and the telemetry_ingested wake signal. A flush that still fails after
// the third attempt spills to the overflow directory and ingest moves on.
type Batcher struct {
	gw          *store.Gateway
	logger      logging.Logger
	metrics     *Metrics
	size        int
	interval    time.Duration
	overflowDir string

	in     chan batchItem
	stopCh chan struct{}
	wg     sync.WaitGroup
	retry  failsafe.Executor[any]
}

// NewBatcher builds a batcher from the ingest configuration.
func NewBatcher(gw *store.Gateway, cfg Config, logger logging.Logger, metrics *Metrics) *Batcher {
	size := cfg.BatchSize
	if size <= 0 {
		size = 500
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(2). // three attempts total
		HandleIf(func(_ any, err error) bool {
			return faults.IsTransient(err)
		}).
		Build()

	return &Batcher{
		gw:          gw,
		logger:      logger,
		metrics:     metrics,
		size:        size,
		interval:    interval,
		overflowDir: cfg.OverflowDir,
		in:          make(chan batchItem, size*4),
		stopCh:      make(chan struct{}),
		retry:       failsafe.With(policy),
	}
}

// Start begins the flush loop.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.run()
	b.logger.WithFields(logging.Fields{
		"batch_size":     b.size,
		"batch_interval": b.interval,
	}).Info("Batcher started")
}

// Stop drains the queue, flushes what remains, and returns.
func (b *Batcher) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.logger.Info("Batcher stopped")
}

// EnqueueTelemetry queues one telemetry row. Blocks while the buffer is
// full so the MQTT handler holds its QoS 1 ack and the broker slows the
// device down. Returns false only during shutdown.
func (b *Batcher) EnqueueTelemetry(row models.TelemetryRow) bool {
	select {
	case b.in <- batchItem{Telemetry: &row}:
		return true
	case <-b.stopCh:
		return false
	}
}

// EnqueueHealth queues one platform-health row.
func (b *Batcher) EnqueueHealth(row models.HealthRow) bool {
	select {
	case b.in <- batchItem{Health: &row}:
		return true
	case <-b.stopCh:
		return false
	}
}

func (b *Batcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]batchItem, 0, b.size)
	for {
		select {
		case item := <-b.in:
			pending = append(pending, item)
			if len(pending) >= b.size {
				b.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(pending)
				pending = pending[:0]
			}
		case <-b.stopCh:
			for {
				select {
				case item := <-b.in:
					pending = append(pending, item)
				default:
					if len(pending) > 0 {
						b.flush(pending)
					}
					return
				}
			}
		}
	}
}

// stateTouch aggregates the newest per-device timestamps in one batch so
// the flush issues at most one device_state upsert per device.
type stateTouch struct {
	tenantID  string
	deviceID  string
	telemetry *time.Time
	heartbeat *time.Time
}

func (b *Batcher) flush(items []batchItem) {
	start := time.Now()

	var telemetry []models.TelemetryRow
	var health []models.HealthRow
	touches := make(map[string]*stateTouch)

	for _, item := range items {
		switch {
		case item.Telemetry != nil:
			row := *item.Telemetry
			telemetry = append(telemetry, row)

			key := row.TenantID + "/" + row.DeviceID
			touch, ok := touches[key]
			if !ok {
				touch = &stateTouch{tenantID: row.TenantID, deviceID: row.DeviceID}
				touches[key] = touch
			}
			t := row.Time
			switch row.MsgType {
			case models.MsgTypeTelemetry:
				if touch.telemetry == nil || t.After(*touch.telemetry) {
					touch.telemetry = &t
				}
			case models.MsgTypeHeartbeat:
				if touch.heartbeat == nil || t.After(*touch.heartbeat) {
					touch.heartbeat = &t
				}
			}
		case item.Health != nil:
			health = append(health, *item.Health)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := b.retry.WithContext(ctx).Get(func() (any, error) {
		return nil, b.writeBatch(ctx, telemetry, health, touches)
	})

	elapsed := time.Since(start)
	if err != nil {
		b.metrics.batchFlushed("error", elapsed.Seconds(), len(items))
		b.logger.WithFields(logging.Fields{
			"rows":  len(items),
			"error": err,
		}).Error("Batch flush failed, spilling to overflow")
		if spillErr := b.spill(items); spillErr != nil {
			b.logger.WithFields(logging.Fields{
				"rows":  len(items),
				"error": spillErr,
			}).Error("Overflow spill failed, batch dropped")
		}
		return
	}

	b.metrics.batchFlushed("ok", elapsed.Seconds(), len(items))
	b.logger.WithFields(logging.Fields{
		"telemetry_rows": len(telemetry),
		"health_rows":    len(health),
		"elapsed_ms":     elapsed.Milliseconds(),
	}).Debug("Batch flushed")
}

func (b *Batcher) writeBatch(ctx context.Context, telemetry []models.TelemetryRow, health []models.HealthRow, touches map[string]*stateTouch) error {
	return b.gw.WithService(ctx, func(tx *sql.Tx) error {
		if _, err := store.InsertTelemetryBatch(ctx, tx, telemetry); err != nil {
			return err
		}
		if _, err := store.InsertDeviceHealthBatch(ctx, tx, health); err != nil {
			return err
		}
		for _, touch := range touches {
			if touch.telemetry == nil && touch.heartbeat == nil {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_state (tenant_id, device_id, last_telemetry_at, last_heartbeat_at, status, last_state_change_at)
				VALUES ($1, $2, $3, $4, 'ONLINE', now())
				ON CONFLICT (tenant_id, device_id) DO UPDATE SET
					last_telemetry_at = GREATEST(device_state.last_telemetry_at, EXCLUDED.last_telemetry_at),
					last_heartbeat_at = GREATEST(device_state.last_heartbeat_at, EXCLUDED.last_heartbeat_at)
			`, touch.tenantID, touch.deviceID, touch.telemetry, touch.heartbeat); err != nil {
				return faults.Wrapf(faults.KindTransient, err, "touch device_state %s/%s", touch.tenantID, touch.deviceID)
			}
		}
		return store.NotifyTelemetryIngested(ctx, tx)
	})
}

// spill appends the batch as JSON lines under the overflow directory. The
// filename carries the flush timestamp; same-second spills append to the
// same file.
func (b *Batcher) spill(items []batchItem) error {
	if err := os.MkdirAll(b.overflowDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(b.overflowDir,
		fmt.Sprintf("telemetry-%s.jsonl", time.Now().UTC().Format("20060102-150405")))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	b.metrics.overflow("spilled")
	b.logger.WithFields(logging.Fields{
		"file": name,
		"rows": len(items),
	}).Warn("Batch spilled to overflow")
	return f.Sync()
}

// ReplayOverflow waits for the store to answer a ping, then re-enqueues
// every spilled file oldest-first and removes each file once its rows are
// back in the queue. Run in its own goroutine at boot; duplicates after a
// partial replay are acceptable, consumers dedupe by seq.
func (b *Batcher) ReplayOverflow(ctx context.Context) {
	files, err := filepath.Glob(filepath.Join(b.overflowDir, overflowFilePattern))
	if err != nil || len(files) == 0 {
		return
	}
	sort.Strings(files)

	if !b.waitForStore(ctx) {
		return
	}

	for _, name := range files {
		rows, err := b.replayFile(ctx, name)
		if err != nil {
			b.logger.WithFields(logging.Fields{
				"file":  name,
				"error": err,
			}).Error("Overflow replay aborted")
			return
		}
		if err := os.Remove(name); err != nil {
			b.logger.WithFields(logging.Fields{
				"file":  name,
				"error": err,
			}).Warn("Failed to remove replayed overflow file")
		}
		b.metrics.overflow("replayed")
		b.logger.WithFields(logging.Fields{
			"file": name,
			"rows": rows,
		}).Info("Overflow file replayed")
	}
}

func (b *Batcher) waitForStore(ctx context.Context) bool {
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := b.gw.DB().PingContext(pingCtx)
		cancel()
		if err == nil {
			return true
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return false
		case <-b.stopCh:
			return false
		}
	}
}

func (b *Batcher) replayFile(ctx context.Context, name string) (int, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rows := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item batchItem
		if err := json.Unmarshal(line, &item); err != nil {
			b.logger.WithFields(logging.Fields{
				"file":  name,
				"error": err,
			}).Warn("Skipping undecodable overflow line")
			continue
		}
		select {
		case b.in <- item:
			rows++
		case <-ctx.Done():
			return rows, ctx.Err()
		case <-b.stopCh:
			return rows, fmt.Errorf("batcher stopped")
		}
	}
	return rows, scanner.Err()
}
