package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const (
	// stopGrace is how long Stop waits for in-flight deliveries before
	// cancelling their sends.
	stopGrace = 5 * time.Second

	// outcomeWriteTimeout bounds the post-send bookkeeping write. It runs
	// on a context detached from shutdown so a finished send is never
	// recorded as lost.
	outcomeWriteTimeout = 5 * time.Second

	idlePollInterval = time.Second

	maxDetailLen = 512
)

// Pool runs the delivery workers. Each worker claims one job at a time
// under a fresh owner token, sends it, and persists the outcome. Workers
// idle on a 1 s poll but an enqueue hint wakes one early.
type Pool struct {
	queue    *Queue
	channels *channelStore
	senders  senderSet
	cfg      Config
	logger   logging.Logger
	metrics  *Metrics

	hints  chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	claims map[string]struct{}
}

func NewPool(queue *Queue, channels *channelStore, senders senderSet, cfg Config, logger logging.Logger, metrics *Metrics) *Pool {
	return &Pool{
		queue:    queue,
		channels: channels,
		senders:  senders,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		hints:    make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		claims:   make(map[string]struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(runCtx)
	}
	p.logger.WithField("workers", p.cfg.WorkerCount).Info("Delivery pool started")
}

// Stop drains the pool: no new claims, in-flight sends get stopGrace to
// finish, then their contexts are cancelled. Claims whose outcome never
// reached the store are reset to PENDING so another process retries them
// immediately.
func (p *Pool) Stop() {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}
	if p.cancel != nil {
		p.cancel()
	}

	if tokens := p.activeClaims(); len(tokens) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), outcomeWriteTimeout)
		defer cancel()
		n, err := p.queue.ResetClaims(ctx, tokens)
		if err != nil {
			p.logger.WithFields(logging.Fields{
				"claims": len(tokens),
				"error":  err,
			}).Error("Failed to reset claims on shutdown")
		} else if n > 0 {
			p.logger.WithField("claims", n).Info("Reset unfinished claims on shutdown")
		}
	}
	p.logger.Info("Delivery pool stopped")
}

// Hint wakes one idle worker after an enqueue. Non-blocking; a full hint
// buffer means someone is already waking up.
func (p *Pool) Hint() {
	select {
	case p.hints <- struct{}{}:
	default:
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		processed, err := p.processOne(ctx)
		if err != nil {
			p.logger.WithField("error", err).Error("Claim failed")
			select {
			case <-time.After(idlePollInterval):
			case <-p.stopCh:
				return
			}
			continue
		}
		if !processed {
			select {
			case <-p.hints:
			case <-time.After(idlePollInterval):
			case <-p.stopCh:
				return
			}
		}
	}
}

// processOne claims and delivers a single job. Returns false when the
// queue had nothing due.
func (p *Pool) processOne(ctx context.Context) (bool, error) {
	token := uuid.New().String()

	claimCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	job, ok, err := p.queue.Claim(claimCtx, token)
	cancel()
	if err != nil || !ok {
		return false, err
	}

	p.trackClaim(token)
	p.metrics.claimStarted()
	defer p.metrics.claimEnded()

	if finished := p.deliver(ctx, job); finished {
		p.untrackClaim(token)
	}
	return true, nil
}

// deliver sends the job and persists the outcome. Returns false when
// shutdown interrupted the send; the claim is then left for Stop's reset.
func (p *Pool) deliver(ctx context.Context, job *models.NotificationJob) bool {
	start := time.Now()
	channelType, sendErr := p.attempt(ctx, job)
	elapsed := time.Since(start)

	if sendErr != nil && errors.Is(sendErr, context.Canceled) {
		return false
	}

	outcome := "success"
	if sendErr != nil {
		if faults.IsPermanent(sendErr) {
			outcome = "permanent"
		} else {
			outcome = "transient"
		}
	}
	if channelType != "" && !errors.Is(sendErr, errChannelDisabled) {
		p.metrics.sendObserved(channelType, elapsed.Seconds(), outcome)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	fields := logging.Fields{
		"job_id":     job.JobID,
		"tenant_id":  job.TenantID,
		"channel_id": job.ChannelID,
		"event":      job.TriggerEvent,
		"attempt":    job.AttemptCount + 1,
		"elapsed_ms": elapsed.Milliseconds(),
	}

	switch {
	case sendErr == nil:
		if err := p.queue.Complete(writeCtx, job, "delivered", elapsed); err != nil {
			p.logger.WithFields(fields).WithField("error", err).Error("Failed to record completion")
			return false
		}
		p.metrics.jobFinished("completed")
		p.logger.WithFields(fields).Info("Notification delivered")

	case errors.Is(sendErr, errChannelDisabled):
		if err := p.queue.Complete(writeCtx, job, "channel_disabled", elapsed); err != nil {
			p.logger.WithFields(fields).WithField("error", err).Error("Failed to record completion")
			return false
		}
		p.metrics.jobFinished("completed")
		p.logger.WithFields(fields).Info("Channel disabled, job completed without delivery")

	case faults.IsPermanent(sendErr):
		detail := truncateDetail(sendErr.Error())
		if err := p.queue.Fail(writeCtx, job, models.AttemptPermanentFailure, detail, elapsed); err != nil {
			p.logger.WithFields(fields).WithField("error", err).Error("Failed to record failure")
			return false
		}
		p.metrics.jobFinished("failed")
		p.metrics.deadLettered()
		p.logger.WithFields(fields).WithField("error", sendErr).Warn("Notification failed permanently, dead-lettered")

	case job.AttemptCount+1 >= job.MaxAttempts:
		detail := truncateDetail(sendErr.Error())
		if err := p.queue.Fail(writeCtx, job, models.AttemptTransientFailure, detail, elapsed); err != nil {
			p.logger.WithFields(fields).WithField("error", err).Error("Failed to record failure")
			return false
		}
		p.metrics.jobFinished("failed")
		p.metrics.deadLettered()
		p.logger.WithFields(fields).WithField("error", sendErr).Warn("Attempts exhausted, dead-lettered")

	default:
		delay := retryBackoff(job.AttemptCount + 1)
		detail := truncateDetail(sendErr.Error())
		if err := p.queue.Retry(writeCtx, job, detail, delay, elapsed); err != nil {
			p.logger.WithFields(fields).WithField("error", err).Error("Failed to record retry")
			return false
		}
		p.metrics.jobFinished("retried")
		p.logger.WithFields(fields).WithFields(logging.Fields{
			"error":    sendErr,
			"retry_in": delay,
		}).Warn("Notification failed, retrying")
	}
	return true
}

// errChannelDisabled marks a job whose channel was switched off between
// enqueue and delivery. Treated as success: the operator asked for silence.
var errChannelDisabled = errors.New("channel disabled")

// attempt resolves the channel and runs the sender. The returned channel
// type labels metrics even on failure; empty when resolution itself failed.
func (p *Pool) attempt(ctx context.Context, job *models.NotificationJob) (string, error) {
	payload, err := payloadFromJSONB(job.Payload)
	if err != nil {
		return "", err
	}

	channel, err := p.channels.Load(ctx, job.TenantID, job.ChannelID)
	if err != nil {
		return "", err
	}
	if !channel.Enabled {
		return channel.ChannelType, errChannelDisabled
	}

	sender, ok := p.senders[channel.ChannelType]
	if !ok {
		return channel.ChannelType, faults.Newf(faults.KindPermanent, "no sender for channel type %q", channel.ChannelType)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.WorkerTimeout)
	defer cancel()
	return channel.ChannelType, sender.Send(sendCtx, payload, channel.Config)
}

func (p *Pool) trackClaim(token string) {
	p.mu.Lock()
	p.claims[token] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrackClaim(token string) {
	p.mu.Lock()
	delete(p.claims, token)
	p.mu.Unlock()
}

func (p *Pool) activeClaims() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := make([]string, 0, len(p.claims))
	for token := range p.claims {
		tokens = append(tokens, token)
	}
	return tokens
}

func truncateDetail(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen]
}
