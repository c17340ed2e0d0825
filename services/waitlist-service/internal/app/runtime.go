package app

import (
	"context"
	"fmt"
	"time"

	"github.com/alatar/waitlist/services/waitlist-service/internal/api"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/alatar/waitlist/services/waitlist-service/internal/logging"
	"github.com/alatar/waitlist/services/waitlist-service/internal/ratelimit"
	"github.com/alatar/waitlist/services/waitlist-service/internal/signup"
	"github.com/alatar/waitlist/services/waitlist-service/internal/stats"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// runtime is everything a command needs, built once from configuration.
type runtime struct {
	cfg     config.Config
	log     *logrus.Entry
	manager *db.Manager
	stats   stats.Recorder
	closers []func() error
}

func bootstrap(ctx context.Context, v *viper.Viper) (*runtime, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(logging.Options{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		Instance:     cfg.Server.Instance,
		RedactEmails: cfg.Log.RedactEmails,
	})

	dialer, err := db.NewDialer(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rt := &runtime{
		cfg:     cfg,
		log:     log,
		manager: db.NewManager(dialer, managerOptions(cfg, log)),
	}

	rec, closeRec := newRecorder(ctx, cfg.Redis, log)
	rt.stats = rec
	if closeRec != nil {
		rt.closers = append(rt.closers, closeRec)
	}

	log.WithFields(logrus.Fields{
		"driver":       dialer.Name(),
		"max_attempts": cfg.Retry.MaxAttempts,
	}).Info("waitlist service configured")
	return rt, nil
}

func managerOptions(cfg config.Config, log *logrus.Entry) db.Options {
	return db.Options{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		CloseTimeout: cfg.Database.CloseTimeout,
		Logger:       log,
	}
}

// router wires the signup service, stats and the optional rate limiter into
// the API. The limiter's janitor stops with ctx.
func (rt *runtime) router(ctx context.Context) *gin.Engine {
	opts := api.Options{
		Signups:     signup.NewService(rt.manager, signup.WithLogger(rt.log)),
		Connector:   rt.manager,
		Stats:       rt.stats,
		CORSOrigins: rt.cfg.Server.CORSOrigins,
		Logger:      rt.log,
	}
	if rl := rt.cfg.RateLimit; rl.Enabled {
		store := ratelimit.NewStore(rl.RPS, rl.Burst,
			ratelimit.WithIdleTTL(rl.IdleTTL),
			ratelimit.WithCleanupEvery(rl.CleanupEvery),
		)
		store.StartJanitor(ctx)
		opts.Limiter = store
		opts.MinRetryAfter = rl.RetryAfter
		rt.log.WithFields(logrus.Fields{"rps": rl.RPS, "burst": rl.Burst}).Info("rate limiting enabled")
	}
	return api.NewRouter(opts)
}

func (rt *runtime) Close() {
	for _, c := range rt.closers {
		if err := c(); err != nil {
			rt.log.WithError(err).Warn("error during cleanup")
		}
	}
}

// newRecorder returns a Redis-backed recorder when redis.addr is set and
// reachable, and an in-memory one otherwise.
func newRecorder(ctx context.Context, cfg config.RedisConfig, log *logrus.Entry) (stats.Recorder, func() error) {
	if cfg.Addr == "" {
		return stats.NewMemoryRecorder(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("addr", cfg.Addr).Warn("redis unavailable, keeping outcome stats in memory")
		_ = rdb.Close()
		return stats.NewMemoryRecorder(), nil
	}

	log.WithField("addr", cfg.Addr).Info("recording outcome stats in redis")
	return stats.NewRedisRecorder(rdb, stats.WithPrefix(cfg.Prefix), stats.WithTTL(cfg.TTL)), rdb.Close
}
