package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/repositories/postgres"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

var errListenerStopped = errors.New("invalidation listener stopped")

// InvalidationListener keeps the local ability cache consistent across
// instances. It LISTENs on the rule store's invalidation channel and drops the
// cached ability of every user named in a notification.
type InvalidationListener struct {
	mu          sync.Mutex
	invalidator authorization.Invalidator
	connStr     string
	channel     string
	logger      logrus.FieldLogger
	listener    *pq.Listener
	stopCh      chan struct{}
	done        chan struct{}
	stopped     bool
}

// NewInvalidationListener creates a new InvalidationListener.
// connStr is the PostgreSQL connection string for LISTEN/NOTIFY.
func NewInvalidationListener(invalidator authorization.Invalidator, connStr string, logger logrus.FieldLogger) *InvalidationListener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InvalidationListener{
		invalidator: invalidator,
		connStr:     connStr,
		channel:     postgres.InvalidationChannel,
		logger:      logger.WithField("component", "invalidation_listener"),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start connects the listener and starts processing notifications.
// It gives up when ctx is done before the connection is established.
func (l *InvalidationListener) Start(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.WithError(err).WithField("event", ev).Warn("listener connection problem")
		}
	}

	listener := pq.NewListener(l.connStr, minReconnectInterval, maxReconnectInterval, reportProblem)

	// Listen blocks until the first connection succeeds
	listenErr := make(chan error, 1)
	go func() { listenErr <- listener.Listen(l.channel) }()

	var err error
	select {
	case err = <-listenErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		listener.Close()
		return errListenerStopped
	}
	l.listener = listener

	go l.run(listener.Notify, listener.Ping)
	l.logger.WithField("channel", l.channel).Info("listening for ability invalidations")
	return nil
}

// Stop stops processing notifications and closes the connection.
// It is safe to call when Start failed or was never called.
func (l *InvalidationListener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	listener := l.listener
	l.mu.Unlock()

	if listener == nil {
		return nil
	}
	err := listener.Close()
	<-l.done
	return err
}

// run processes notifications until Stop is called
func (l *InvalidationListener) run(notify <-chan *pq.Notification, ping func() error) {
	defer close(l.done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case n, ok := <-notify:
			if !ok {
				return
			}
			l.handle(n)
		case <-ticker.C:
			// Periodic ping to keep connection alive
			go func() {
				if err := ping(); err != nil {
					l.logger.WithError(err).Warn("listener ping failed")
				}
			}()
		}
	}
}

// handle applies a single notification. A nil notification means the
// connection was re-established and notifications may have been lost, so
// every cached ability is dropped.
func (l *InvalidationListener) handle(n *pq.Notification) {
	ctx := context.Background()

	if n == nil || n.Extra == "" {
		if err := l.invalidator.InvalidateAll(ctx); err != nil {
			l.logger.WithError(err).Error("failed to invalidate all abilities after reconnect")
			return
		}
		l.logger.Info("invalidated all abilities after reconnect")
		return
	}

	if err := l.invalidator.Invalidate(ctx, n.Extra); err != nil {
		l.logger.WithError(err).WithField("user_id", n.Extra).Error("failed to invalidate ability")
		return
	}
	l.logger.WithField("user_id", n.Extra).Debug("invalidated ability from notification")
}
