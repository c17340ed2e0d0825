package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/alatar/waitlist/services/waitlist-service/internal/logging"
	"github.com/alatar/waitlist/services/waitlist-service/internal/ratelimit"
	"github.com/alatar/waitlist/services/waitlist-service/internal/stats"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Signups is the signup flow behind POST /api/waitlist.
type Signups interface {
	Join(ctx context.Context, rawEmail any) (models.SignupRecord, error)
}

// Connector is what the readiness probe needs from the connection manager.
type Connector interface {
	ConnectOnce(ctx context.Context) (db.Conn, error)
	Release(ctx context.Context, conn db.Conn)
}

type Options struct {
	Signups   Signups
	Connector Connector
	Stats     stats.Recorder

	// Limiter, when set, rate limits POST /api/waitlist per client IP.
	Limiter       *ratelimit.Store
	MinRetryAfter time.Duration

	CORSOrigins []string
	Logger      *logrus.Entry
}

type handler struct {
	signups Signups
	conns   Connector
	stats   stats.Recorder
	log     *logrus.Entry
}

// NewRouter builds the gin engine serving the waitlist API.
func NewRouter(opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithField("component", "api")

	if opts.Stats == nil {
		opts.Stats = stats.NewMemoryRecorder()
	}

	h := &handler{
		signups: opts.Signups,
		conns:   opts.Connector,
		stats:   opts.Stats,
		log:     log,
	}

	r := gin.New()
	r.Use(recovery(log), requestLogger(log), corsMiddleware(opts.CORSOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", h.ready)
	r.GET("/health/stats", h.outcomes)

	waitlist := []gin.HandlerFunc{}
	if opts.Limiter != nil {
		waitlist = append(waitlist, ratelimit.Middleware(ratelimit.Options{
			Store:         opts.Limiter,
			MinRetryAfter: opts.MinRetryAfter,
			Logger:        log,
		}))
	}
	waitlist = append(waitlist, h.joinWaitlist)

	api := r.Group("/api")
	{
		api.POST("/waitlist", waitlist...)
	}

	return r
}

func (h *handler) joinWaitlist(c *gin.Context) {
	log := loggerFrom(c, h.log)

	var req models.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.E(apperr.Validation, "api.decode", err))
		return
	}

	rec, err := h.signups.Join(c.Request.Context(), req.Email)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.record(c, stats.Success)
	log.WithField("email", logging.Email(rec.Email)).Info("joined waitlist")
	c.JSON(http.StatusOK, models.MessageResponse{Message: msgSuccess})
}

// fail writes the mapped error response. It is the only place a signup
// error turns into a status code.
func (h *handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, msg := Response(kind)

	entry := loggerFrom(c, h.log).WithFields(logrus.Fields{
		"kind":   kind.String(),
		"op":     apperr.OpOf(err),
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("signup failed")
	} else {
		entry.Info("signup rejected")
	}

	h.record(c, stats.OutcomeOf(err))
	c.JSON(status, models.ErrorResponse{Error: msg})
}

func (h *handler) record(c *gin.Context, outcome stats.Outcome) {
	ev := stats.Event{Outcome: outcome, At: time.Now()}
	if err := h.stats.Record(context.WithoutCancel(c.Request.Context()), ev); err != nil {
		loggerFrom(c, h.log).WithError(err).Warn("failed to record outcome")
	}
}

// ready opens one connection without retries, pings it and releases it.
func (h *handler) ready(c *gin.Context) {
	if h.conns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": msgServerSelection})
		return
	}

	ctx := c.Request.Context()
	conn, err := h.conns.ConnectOnce(ctx)
	if err == nil {
		err = conn.Ping(ctx)
		h.conns.Release(context.WithoutCancel(ctx), conn)
	}
	if err != nil {
		_, msg := Response(apperr.KindOf(err))
		loggerFrom(c, h.log).WithError(err).Warn("readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handler) outcomes(c *gin.Context) {
	snap, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		loggerFrom(c, h.log).WithError(err).Warn("failed to read outcome stats")
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Statistics are temporarily unavailable."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": snap})
}

// Server is the HTTP listener with the timeouts from config.ServerConfig.
type Server struct {
	srv *http.Server
	log *logrus.Entry
}

func NewServer(cfg config.ServerConfig, handler http.Handler, log *logrus.Entry) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log.WithField("component", "http"),
	}
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.srv.Addr).Info("starting http server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on l until the server stops.
func (s *Server) Serve(l net.Listener) error {
	s.log.WithField("addr", l.Addr().String()).Info("starting http server")
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.srv.Shutdown(ctx)
}
