package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/crypto"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// Service owns the notifier's moving parts: the alerts_changed listener,
// the periodic sweep, and the delivery pool. The listener gives latency,
// the sweep gives completeness; the pool drains whatever either enqueues.
type Service struct {
	cfg      Config
	gateway  *store.Gateway
	queue    *Queue
	router   *Router
	pool     *Pool
	channels *channelStore
	senders  senderSet
	guard    *urlGuard
	listener *store.Listener
	logger   logging.Logger

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService assembles the routing engine, channel store, senders, and
// delivery pool around one gateway. The listener may be nil, leaving the
// service purely sweep-driven.
func NewService(cfg Config, gw *store.Gateway, listener *store.Listener, logger logging.Logger, metrics *Metrics) (*Service, error) {
	var decryptor *crypto.FieldEncryptor
	if cfg.SecretKey != "" {
		var err error
		decryptor, err = crypto.DeriveFieldEncryptor([]byte(cfg.SecretKey), "channel-config")
		if err != nil {
			return nil, err
		}
	}

	guard := newURLGuard(cfg.AllowHTTPWebhooks)
	queue := NewQueue(gw, logger)
	channels := newChannelStore(gw, decryptor, metrics.cacheHooks("channels"))
	senders := newSenders(cfg, guard, logger)

	return &Service{
		cfg:      cfg,
		gateway:  gw,
		queue:    queue,
		router:   NewRouter(gw, queue, cfg, logger, metrics),
		pool:     NewPool(queue, channels, senders, cfg, logger, metrics),
		channels: channels,
		senders:  senders,
		guard:    guard,
		listener: listener,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}, nil
}

// RegisterRoutes mounts the synchronous test-delivery and dead-letter
// replay endpoints.
func (s *Service) RegisterRoutes(router *gin.Engine) {
	RegisterInternalRoutes(router, s.gateway, s.queue, s.channels, s.senders, s.guard, s.cfg, s.logger)
}

// Start launches the listener forwarder, the sweep loop, and the pool.
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

	s.pool.Start()

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.WithFields(logging.Fields{
		"sweep_interval": s.cfg.SweepInterval,
		"workers":        s.cfg.WorkerCount,
	}).Info("Notifier started")
}

// Stop halts intake first so the pool drains a frozen queue, then the
// pool itself.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.pool.Stop()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.logger.Info("Notifier stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	var notifications <-chan store.Notification
	if s.listener != nil {
		notifications = s.listener.Notifications()
	}

	// Boot sweep catches transitions from before this process existed.
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
			s.reap(ctx)
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if n.Channel != store.ChannelAlertsChanged {
				continue
			}
			if s.router.HandleNotification(ctx, n.Payload) {
				s.pool.Hint()
			} else {
				s.sweep(ctx)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.cfg.SweepInterval)
	defer cancel()

	start := time.Now()
	enqueued, err := s.router.Sweep(sweepCtx)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"elapsed_ms": time.Since(start).Milliseconds(),
			"error":      err,
		}).Error("Sweep failed")
		return
	}
	if enqueued > 0 {
		s.pool.Hint()
	}
	s.logger.WithFields(logging.Fields{
		"enqueued":   enqueued,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Debug("Sweep complete")
}

func (s *Service) reap(ctx context.Context) {
	reapCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	n, err := s.queue.ReapStale(reapCtx)
	if err != nil {
		s.logger.WithField("error", err).Error("Stale claim reap failed")
		return
	}
	if n > 0 {
		s.logger.WithField("claims", n).Warn("Requeued stale in-flight jobs")
	}
}
