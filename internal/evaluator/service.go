package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// debounce caps listener-driven early passes to one per second; the tick
// remains the upper latency bound.
const earlyPassDebounce = time.Second

// Service owns the evaluation loop: a fixed tick, plus early passes when
// ingest signals new telemetry, plus rule-cache purges when rules change.
type Service struct {
	cfg      Config
	engine   *Engine
	listener *store.Listener
	logger   logging.Logger
	metrics  *Metrics

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the loop around an engine and the store listener. The
// listener may be nil, leaving the service purely tick-driven.
func NewService(cfg Config, engine *Engine, listener *store.Listener, logger logging.Logger, metrics *Metrics) *Service {
	return &Service{
		cfg:      cfg,
		engine:   engine,
		listener: listener,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the listener forwarder and the evaluation loop.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.listener != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.listener.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.WithFields(logging.Fields{
		"interval":    s.cfg.Interval,
		"shard_count": s.cfg.ShardCount,
		"shard_index": s.cfg.ShardIndex,
	}).Info("Evaluator started")
}

// Stop halts the loop and the listener.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.logger.Info("Evaluator stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var notifications <-chan store.Notification
	if s.listener != nil {
		notifications = s.listener.Notifications()
	}

	// First pass at boot so a restart does not wait a full tick.
	s.pass(ctx)

	var lastEarly time.Time
	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			switch n.Channel {
			case store.ChannelRulesChanged:
				s.engine.PurgeCaches()
				s.logger.Debug("Rule caches purged")
			case store.ChannelTelemetryIngested:
				if time.Since(lastEarly) >= earlyPassDebounce {
					lastEarly = time.Now()
					s.pass(ctx)
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) pass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval*4)
	defer cancel()

	start := time.Now()
	stats, err := s.engine.Pass(passCtx)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.passObserved("error", elapsed.Seconds(), stats)
		s.logger.WithFields(logging.Fields{
			"elapsed_ms": elapsed.Milliseconds(),
			"error":      err,
		}).Error("Evaluation pass failed")
		return
	}

	s.metrics.passObserved("ok", elapsed.Seconds(), stats)
	s.logger.WithFields(logging.Fields{
		"devices":     stats.Devices,
		"rules":       stats.Rules,
		"transitions": stats.Transitions,
		"opened":      stats.Opened,
		"refreshed":   stats.Refreshed,
		"closed":      stats.Closed,
		"elapsed_ms":  elapsed.Milliseconds(),
	}).Debug("Evaluation pass complete")
}
