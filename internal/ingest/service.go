package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Service wires the ingest pipeline: topic parse, rate limit, device
// lookup, validation, health extraction, sensor discovery, batch enqueue.
// Shadow and command-ack traffic takes a synchronous store path instead of
// the batcher.
type Service struct {
	cfg        Config
	gw         *store.Gateway
	logger     logging.Logger
	metrics    *Metrics
	auth       *Authenticator
	limiter    *RateLimiter
	sensors    *SensorRegistry
	batcher    *Batcher
	quarantine *QuarantineWriter
	consumer   *Consumer

	seqMu   sync.Mutex
	lastSeq map[string]uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService builds the full pipeline. Metrics may be nil in tests.
func NewService(cfg Config, gw *store.Gateway, logger logging.Logger, metrics *Metrics) *Service {
	s := &Service{
		cfg:        cfg,
		gw:         gw,
		logger:     logger,
		metrics:    metrics,
		auth:       NewAuthenticator(gw, logger, metrics.CacheHooks()),
		limiter:    NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerSec, cfg.RateLimitIdleTTL),
		sensors:    NewSensorRegistry(gw, logger),
		batcher:    NewBatcher(gw, cfg, logger, metrics),
		quarantine: NewQuarantineWriter(gw, logger, metrics),
		lastSeq:    make(map[string]uint64),
		stopCh:     make(chan struct{}),
	}
	s.consumer = NewConsumer(cfg, s.HandleMessage, logger)
	return s
}

// Start brings up the writers, replays any overflow from a previous run,
// connects to the broker, and starts the janitor.
func (s *Service) Start(ctx context.Context) error {
	s.quarantine.Start()
	s.batcher.Start()
	go s.batcher.ReplayOverflow(ctx)

	if err := s.consumer.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.janitor()

	s.logger.WithField("broker", s.cfg.BrokerURL).Info("Ingest service started")
	return nil
}

// Stop tears the pipeline down in order: no new messages, then drain the
// batch and quarantine queues.
func (s *Service) Stop() {
	s.consumer.Stop()
	close(s.stopCh)
	s.wg.Wait()
	s.batcher.Stop()
	s.quarantine.Stop()
	s.logger.Info("Ingest service stopped")
}

// Connected reports broker connectivity for the health check.
func (s *Service) Connected() bool {
	return s.consumer.Connected()
}

// MQTTClient exposes the broker client for the MQTT health check.
func (s *Service) MQTTClient() mqtt.Client {
	return s.consumer.Client()
}

// RegisterRoutes mounts the broker auth-probe endpoints.
func (s *Service) RegisterRoutes(router *gin.Engine) {
	RegisterProbeRoutes(router, s.auth, s.metrics, s.logger)
}

// HandleMessage is the paho handler for every subscribed filter.
func (s *Service) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.process(ctx, msg.Topic(), msg.Payload())
}

func (s *Service) process(ctx context.Context, rawTopic string, payload []byte) {
	topic, err := ParseTopic(rawTopic)
	if err != nil {
		s.metrics.message("unknown", "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			Topic:       rawTopic,
			Reason:      models.QuarantineBadTopic,
			Detail:      err.Error(),
			PayloadSize: len(payload),
		})
		return
	}

	if !s.limiter.Allow(topic.TenantID + "/" + topic.DeviceID) {
		s.metrics.message(s.msgType(topic), "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID:    topic.TenantID,
			DeviceID:    topic.DeviceID,
			Topic:       rawTopic,
			Reason:      models.QuarantineRateLimited,
			PayloadSize: len(payload),
		})
		return
	}

	rec, err := s.auth.Lookup(ctx, topic.TenantID, topic.DeviceID)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) || faults.IsAuth(err) {
			s.metrics.message(s.msgType(topic), "rejected")
			s.quarantine.Record(models.QuarantineEvent{
				TenantID:    topic.TenantID,
				DeviceID:    topic.DeviceID,
				Topic:       rawTopic,
				Reason:      models.QuarantineUnknownDevice,
				PayloadSize: len(payload),
			})
			return
		}
		// Store trouble: drop without quarantine, the broker will redeliver.
		s.metrics.message(s.msgType(topic), "error")
		s.logger.WithFields(logging.Fields{
			"tenant_id": topic.TenantID,
			"device_id": topic.DeviceID,
			"error":     err,
		}).Error("Device lookup failed")
		return
	}
	if rec.Status != models.DeviceStatusActive {
		s.metrics.message(s.msgType(topic), "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID:    topic.TenantID,
			DeviceID:    topic.DeviceID,
			Topic:       rawTopic,
			Reason:      models.QuarantineDeviceSuspended,
			Detail:      "device status " + rec.Status,
			PayloadSize: len(payload),
		})
		return
	}

	switch topic.Kind {
	case TopicData:
		s.handleData(ctx, topic, rawTopic, rec, payload)
	case TopicShadow:
		s.handleShadow(ctx, topic, rawTopic, payload)
	case TopicCommandAck:
		s.handleCommandAck(ctx, topic, rawTopic, payload)
	}
}

func (s *Service) msgType(t Topic) string {
	if t.Kind == TopicData {
		return t.MsgType
	}
	return t.Kind
}

func (s *Service) handleData(ctx context.Context, topic Topic, rawTopic string, rec *deviceRecord, payload []byte) {
	env, err := ParseEnvelope(topic, payload, s.cfg.MaxPayloadBytes, time.Now().UTC())
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			verr = &ValidationError{Reason: models.QuarantineMalformedJSON, Detail: err.Error()}
		}
		s.metrics.message(topic.MsgType, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID:    topic.TenantID,
			DeviceID:    topic.DeviceID,
			Topic:       rawTopic,
			Reason:      verr.Reason,
			Detail:      verr.Detail,
			PayloadSize: len(payload),
		})
		return
	}

	if len(env.DroppedKeys) > 0 {
		s.logger.WithFields(logging.Fields{
			"tenant_id": topic.TenantID,
			"device_id": topic.DeviceID,
			"keys":      strings.Join(env.DroppedKeys, ","),
		}).Warn("Dropped non-scalar metric values")
	}

	s.checkSeq(topic.TenantID, topic.DeviceID, env.Seq)

	health := ExtractHealth(env, topic.TenantID, topic.DeviceID)

	if len(env.Metrics) > 0 {
		keys := make([]string, 0, len(env.Metrics))
		for key := range env.Metrics {
			keys = append(keys, key)
		}
		if err := s.sensors.Observe(ctx, rec, keys); err != nil {
			s.logger.WithFields(logging.Fields{
				"tenant_id": topic.TenantID,
				"device_id": topic.DeviceID,
				"error":     err,
			}).Error("Sensor discovery failed")
		}
	}

	siteID := env.SiteID
	if siteID == "" {
		siteID = rec.SiteID
	}

	row := models.TelemetryRow{
		Time:     env.Time,
		TenantID: topic.TenantID,
		DeviceID: topic.DeviceID,
		SiteID:   siteID,
		MsgType:  topic.MsgType,
		Seq:      env.Seq,
		Metrics:  models.JSONB(env.Metrics),
	}
	if !s.batcher.EnqueueTelemetry(row) {
		s.metrics.message(topic.MsgType, "error")
		return
	}
	if health != nil {
		s.batcher.EnqueueHealth(*health)
	}
	s.metrics.message(topic.MsgType, "accepted")
}

// checkSeq tracks the highest seq per device. A regression is logged and
// the message still accepted; devices resend after reboots.
func (s *Service) checkSeq(tenantID, deviceID string, seq *uint64) {
	if seq == nil {
		return
	}
	key := tenantID + "/" + deviceID

	s.seqMu.Lock()
	last, ok := s.lastSeq[key]
	if !ok || *seq > last {
		s.lastSeq[key] = *seq
	}
	s.seqMu.Unlock()

	if ok && *seq < last {
		s.logger.WithFields(logging.Fields{
			"tenant_id": tenantID,
			"device_id": deviceID,
			"seq":       *seq,
			"last_seq":  last,
		}).Warn("Sequence regression")
	}
}

func (s *Service) handleShadow(ctx context.Context, topic Topic, rawTopic string, payload []byte) {
	if len(payload) > s.cfg.MaxPayloadBytes {
		s.metrics.message(TopicShadow, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineOversize, PayloadSize: len(payload),
		})
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		s.metrics.message(TopicShadow, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineMalformedJSON, Detail: err.Error(),
			PayloadSize: len(payload),
		})
		return
	}

	err := s.gw.WithService(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device_shadow (tenant_id, device_id, reported, reported_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (tenant_id, device_id) DO UPDATE SET
				reported = device_shadow.reported || EXCLUDED.reported,
				reported_at = now()
		`, topic.TenantID, topic.DeviceID, models.JSONB(doc))
		return err
	})
	if err != nil {
		s.metrics.message(TopicShadow, "error")
		s.logger.WithFields(logging.Fields{
			"tenant_id": topic.TenantID,
			"device_id": topic.DeviceID,
			"error":     err,
		}).Error("Shadow merge failed")
		return
	}
	s.metrics.message(TopicShadow, "accepted")
}

func (s *Service) handleCommandAck(ctx context.Context, topic Topic, rawTopic string, payload []byte) {
	if len(payload) > s.cfg.MaxPayloadBytes {
		s.metrics.message(TopicCommandAck, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineOversize, PayloadSize: len(payload),
		})
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		s.metrics.message(TopicCommandAck, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineMalformedJSON, Detail: err.Error(),
			PayloadSize: len(payload),
		})
		return
	}

	commandID, _ := doc["command_id"].(string)
	if commandID == "" {
		s.metrics.message(TopicCommandAck, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineBadCommandAck, Detail: "missing command_id",
			PayloadSize: len(payload),
		})
		return
	}

	status := models.CommandStatusAcked
	if v, _ := doc["status"].(string); strings.EqualFold(v, "failed") || strings.EqualFold(v, "error") {
		status = models.CommandStatusFailed
	}

	var updated int64
	err := s.gw.WithService(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE device_commands
			SET status = $1, ack_payload = $2, acked_at = now()
			WHERE tenant_id = $3 AND device_id = $4 AND command_id = $5
		`, status, models.JSONB(doc), topic.TenantID, topic.DeviceID, commandID)
		if err != nil {
			return err
		}
		updated, err = res.RowsAffected()
		return err
	})
	if err != nil {
		s.metrics.message(TopicCommandAck, "error")
		s.logger.WithFields(logging.Fields{
			"tenant_id":  topic.TenantID,
			"device_id":  topic.DeviceID,
			"command_id": commandID,
			"error":      err,
		}).Error("Command ack update failed")
		return
	}
	if updated == 0 {
		s.metrics.message(TopicCommandAck, "rejected")
		s.quarantine.Record(models.QuarantineEvent{
			TenantID: topic.TenantID, DeviceID: topic.DeviceID, Topic: rawTopic,
			Reason: models.QuarantineBadCommandAck, Detail: "command " + commandID + " not found",
			PayloadSize: len(payload),
		})
		return
	}
	s.metrics.message(TopicCommandAck, "accepted")
}

// janitor sweeps idle rate-limit buckets and keeps the bucket gauge fresh.
func (s *Service) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := s.limiter.Sweep()
			if evicted > 0 {
				s.logger.WithField("evicted", evicted).Debug("Swept idle rate-limit buckets")
			}
			if s.metrics != nil && s.metrics.RateLimitBuckets != nil {
				s.metrics.RateLimitBuckets.WithLabelValues().Set(float64(s.limiter.Len()))
			}
		case <-s.stopCh:
			return
		}
	}
}
