package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/api"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/config"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db/dbtest"
	"github.com/alatar/waitlist/services/waitlist-service/internal/logging"
	"github.com/alatar/waitlist/services/waitlist-service/internal/stats"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unreachableMessage = "Unable to connect to the database. Please try again later."

// startServer serves rt on a loopback port with the configured timeouts and
// returns the base URL.
func startServer(t *testing.T, ctx context.Context, rt *runtime) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := api.NewServer(rt.cfg.Server, rt.router(ctx), rt.log)
	done := make(chan error, 1)
	go func() { done <- server.Serve(l) }()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		assert.NoError(t, <-done)
	})
	return "http://" + l.Addr().String()
}

func postSignup(t *testing.T, baseURL string, timeout time.Duration) (int, models.ErrorResponse) {
	t.Helper()
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(baseURL+"/api/waitlist", "application/json", strings.NewReader(`{"email":"user@example.com"}`))
	require.NoError(t, err, "the server must answer before its write timeout")
	defer resp.Body.Close()

	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// scaled returns the default configuration with every duration divided by n.
func scaled(t *testing.T, n time.Duration) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	for _, d := range []*time.Duration{
		&cfg.Server.ReadTimeout,
		&cfg.Server.WriteTimeout,
		&cfg.Database.ConnectTimeout,
		&cfg.Database.SocketTimeout,
		&cfg.Database.ServerSelectionTimeout,
		&cfg.Database.CloseTimeout,
		&cfg.Retry.BaseDelay,
		&cfg.Retry.MaxDelay,
	} {
		*d /= n
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestUnreachableStoreAnsweredBeforeWriteTimeout(t *testing.T) {
	cfg := scaled(t, 100)
	op := cfg.Database.ServerSelectionTimeout

	// The first attempt waits out one server selection; later attempts also
	// ping the handle they kept before dialing again.
	down := apperr.E(apperr.ServerSelection, "memory.connect", errors.New("server selection error: context deadline exceeded"))
	dialer := dbtest.NewDialer(nil,
		dbtest.Step{Err: down, Delay: op},
		dbtest.Step{Err: down, Delay: 2 * op},
		dbtest.Step{Err: down, Delay: 2 * op},
	)

	log := logging.Discard()
	rt := &runtime{
		cfg:     cfg,
		log:     log,
		manager: db.NewManager(dialer, managerOptions(cfg, log)),
		stats:   stats.NewMemoryRecorder(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	baseURL := startServer(t, ctx, rt)

	start := time.Now()
	status, body := postSignup(t, baseURL, 2*cfg.Server.WriteTimeout)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, unreachableMessage, body.Error)
	assert.Equal(t, 3, dialer.Dials())
	assert.GreaterOrEqual(t, elapsed, 5*op)
	assert.Less(t, elapsed, cfg.Server.WriteTimeout)
}

func TestUnreachableMongoWithDefaults(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full retry budget against a closed port")
	}

	v := viper.New()
	config.SetDefaults(v)
	v.Set("log.level", "error")
	v.Set("database.url", "mongodb://127.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap(ctx, v)
	require.NoError(t, err)
	defer rt.Close()
	baseURL := startServer(t, ctx, rt)

	start := time.Now()
	status, body := postSignup(t, baseURL, rt.cfg.Server.WriteTimeout+10*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, unreachableMessage, body.Error)
	assert.Less(t, elapsed, rt.cfg.RetryBudget())
}
