package signup

import (
	"context"
	"errors"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/alatar/waitlist/services/waitlist-service/internal/logging"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyRegistered = errors.New("email already registered")

// ConnProvider hands out request-scoped connections. *db.Manager implements it.
type ConnProvider interface {
	Connect(ctx context.Context) (db.Conn, error)
	Release(ctx context.Context, conn db.Conn)
}

type Service struct {
	conns ConnProvider
	now   func() time.Time
	log   *logrus.Entry
}

type Option func(*Service)

// WithClock overrides the source of createdAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Service) { s.log = log }
}

func NewService(conns ConnProvider, opts ...Option) *Service {
	s := &Service{
		conns: conns,
		now:   time.Now,
		log:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "signup")
	return s
}

// Join validates rawEmail and stores a new signup for it.
//
// The existence check is only an early exit; two concurrent calls for the
// same address can both pass it. The store's unique index decides the race
// and its violation is reported as apperr.Duplicate as well.
func (s *Service) Join(ctx context.Context, rawEmail any) (models.SignupRecord, error) {
	log := s.log
	if entry, ok := ctx.Value(logCtxKey{}).(*logrus.Entry); ok {
		log = entry.WithField("component", "signup")
	}

	email, err := ValidateEmail(rawEmail)
	if err != nil {
		log.WithError(err).Info("invalid email")
		return models.SignupRecord{}, err
	}
	log = log.WithField("email", logging.Email(email))
	log.Info("processing signup")

	conn, err := s.conns.Connect(ctx)
	if err != nil {
		return models.SignupRecord{}, err
	}
	defer s.conns.Release(context.WithoutCancel(ctx), conn)

	exists, err := conn.ExistsByEmail(ctx, email)
	if err != nil {
		return models.SignupRecord{}, err
	}
	if exists {
		log.Info("email already registered")
		return models.SignupRecord{}, apperr.E(apperr.Duplicate, "signup.exists", ErrAlreadyRegistered)
	}

	rec := models.SignupRecord{
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := conn.InsertSignup(ctx, rec); err != nil {
		if apperr.KindOf(err) == apperr.Duplicate {
			log.Info("email registered concurrently")
		}
		return models.SignupRecord{}, err
	}

	log.WithField("created_at", rec.CreatedAt.Format(time.RFC3339Nano)).Info("signup stored")
	return rec, nil
}

type logCtxKey struct{}

// ContextWithLogger attaches a request-scoped log entry that Join will use
// in place of the service logger.
func ContextWithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, logCtxKey{}, entry)
}
