package db

import (
	"context"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/logging"
	"github.com/sirupsen/logrus"
)

// Conn is one live link to the signup store. Errors returned by its methods
// are classified *apperr.Error values.
type Conn interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// ExistsByEmail is an exact, case-sensitive match.
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	// InsertSignup reports a unique-key violation as apperr.Duplicate and an
	// unacknowledged write as apperr.Insert.
	InsertSignup(ctx context.Context, rec models.SignupRecord) error
	// EnsureSchema creates the unique index on email if it does not exist.
	EnsureSchema(ctx context.Context) error
}

// Dialer opens a new Conn. A Dialer may return a non-nil Conn together with
// an error when the transport came up but the verifying ping failed; the
// Manager keeps such a handle around for the next attempt's liveness check.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *logrus.Entry

	// CloseTimeout bounds every Close issued by the manager. Defaults to 5s.
	CloseTimeout time.Duration

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager hands out request-scoped connections, retrying transient failures
// with capped exponential backoff. It holds no connection state between calls.
type Manager struct {
	dialer       Dialer
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	closeTimeout time.Duration
	log          *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 1 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Manager{
		dialer:       dialer,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		closeTimeout: opts.CloseTimeout,
		log:          opts.Logger.WithField("component", "db"),
		sleep:        opts.Sleep,
	}
}

func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// Backoff returns the delay that precedes attempt+1:
// min(base * 2^(attempt-1), limit).
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Connect returns a verified connection, or the last observed error once
// every attempt has failed.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	return m.connect(ctx, m.maxAttempts)
}

// ConnectOnce is Connect without retries, for readiness probes.
func (m *Manager) ConnectOnce(ctx context.Context) (Conn, error) {
	return m.connect(ctx, 1)
}

func (m *Manager) connect(ctx context.Context, attempts int) (Conn, error) {
	var (
		conn    Conn
		lastErr error
	)

	m.log.WithField("driver", m.dialer.Name()).Debug("starting database connection")

	for attempt := 1; attempt <= attempts; attempt++ {
		entry := m.log.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": attempts})
		entry.Debug("connection attempt")

		if conn != nil {
			err := conn.Ping(ctx)
			if err == nil {
				entry.Info("reusing live database connection")
				return conn, nil
			}
			entry.WithError(err).Debug("liveness check failed, reconnecting")
			m.closeQuietly(conn)
			conn = nil
		}

		c, err := m.dialer.Dial(ctx)
		if err == nil {
			entry.Info("database connection established")
			return c, nil
		}

		conn = c
		lastErr = err
		entry.WithFields(logrus.Fields{
			"kind": apperr.KindOf(err).String(),
			"op":   apperr.OpOf(err),
		}).WithError(err).Warn("connection attempt failed")

		if attempt < attempts {
			delay := Backoff(attempt, m.baseDelay, m.maxDelay)
			entry.WithField("delay", delay.String()).Info("waiting before retry")
			if serr := m.sleep(ctx, delay); serr != nil {
				break
			}
		}
	}

	if conn != nil {
		m.closeQuietly(conn)
	}
	return nil, lastErr
}

// Release closes conn within the close timeout. Failures are logged and
// swallowed so they never replace the response already decided for the request.
func (m *Manager) Release(ctx context.Context, conn Conn) {
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.closeTimeout)
	defer cancel()

	if err := conn.Close(ctx); err != nil {
		m.log.WithError(err).Error("error closing database connection")
		return
	}
	m.log.Debug("database connection closed")
}

// WithConn runs fn with a connection that is released on every exit path.
func (m *Manager) WithConn(ctx context.Context, fn func(Conn) error) error {
	conn, err := m.Connect(ctx)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), conn)
	return fn(conn)
}

func (m *Manager) closeQuietly(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		m.log.WithError(err).Error("error closing connection after failure")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
