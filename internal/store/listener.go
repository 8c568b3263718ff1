package store

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// channel names are interpolated into LISTEN statements by the driver, so
// they are allowlisted strictly
var validChannel = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Notification is one LISTEN event
type Notification struct {
	Channel string
	Payload string
}

// Listener subscribes to store notification channels and forwards events.
// Reconnects are handled by the driver with backoff between the configured
// bounds; a reconnect is surfaced as a nil event and logged, and consumers
// are expected to treat wake-ups as level-triggered hints.
type Listener struct {
	pl       *pq.Listener
	logger   logging.Logger
	channels []string
	out      chan Notification
}

// NewListener opens a dedicated listening connection subscribed to the
// given channels.
func NewListener(dsn string, channels []string, logger logging.Logger) (*Listener, error) {
	for _, ch := range channels {
		if !validChannel.MatchString(ch) {
			return nil, fmt.Errorf("invalid notification channel name %q", ch)
		}
	}

	l := &Listener{
		logger:   logger,
		channels: channels,
		out:      make(chan Notification, 64),
	}

	l.pl = pq.NewListener(dsn, time.Second, 30*time.Second, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected:
			logger.WithField("channels", channels).Info("Store listener connected")
		case pq.ListenerEventReconnected:
			logger.WithField("channels", channels).Info("Store listener reconnected")
		case pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("Store listener disconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.WithError(err).Warn("Store listener connection attempt failed")
		}
	})

	for _, ch := range channels {
		if err := l.pl.Listen(ch); err != nil {
			_ = l.pl.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	return l, nil
}

// Notifications returns the event stream. Events are dropped rather than
// block when the consumer lags; every consumer re-reads state on wake.
func (l *Listener) Notifications() <-chan Notification {
	return l.out
}

// Run forwards driver notifications until ctx is canceled. The connection
// is pinged after 90 s of silence so dead peers are detected.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.out)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.pl.Notify:
			if n == nil {
				// driver signals a reconnect; subscriptions survive it
				continue
			}
			select {
			case l.out <- Notification{Channel: n.Channel, Payload: n.Extra}:
			default:
				l.logger.WithField("channel", n.Channel).Debug("Listener consumer lagging, dropping wake-up")
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.pl.Ping(); err != nil {
					l.logger.WithError(err).Warn("Store listener ping failed")
				}
			}()
		}
	}
}

// Ping verifies the listening connection for health checks.
func (l *Listener) Ping() error {
	return l.pl.Ping()
}

// Close tears down the listening connection.
func (l *Listener) Close() error {
	return l.pl.Close()
}
