package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alatar/waitlist/internal/models"
	"github.com/alatar/waitlist/services/waitlist-service/internal/api"
	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db"
	"github.com/alatar/waitlist/services/waitlist-service/internal/db/dbtest"
	"github.com/alatar/waitlist/services/waitlist-service/internal/ratelimit"
	"github.com/alatar/waitlist/services/waitlist-service/internal/signup"
	"github.com/alatar/waitlist/services/waitlist-service/internal/stats"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

type fixture struct {
	router *gin.Engine
	dialer *dbtest.Dialer
	stats  *stats.MemoryRecorder
}

func newFixture(dialer *dbtest.Dialer, mutate ...func(*api.Options)) fixture {
	m := db.NewManager(dialer, db.Options{MaxAttempts: 3, Sleep: noSleep})
	rec := stats.NewMemoryRecorder()
	opts := api.Options{
		Signups:     signup.NewService(m),
		Connector:   m,
		Stats:       rec,
		CORSOrigins: []string{"https://alatar.example"},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return fixture{router: api.NewRouter(opts), dialer: dialer, stats: rec}
}

func (f fixture) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f fixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body, 1, "error bodies carry a single field: %s", w.Body.String())
	msg, ok := body["error"].(string)
	require.True(t, ok, "missing error field: %s", w.Body.String())
	return msg
}

type WaitlistSuite struct {
	suite.Suite
	f fixture
}

func (s *WaitlistSuite) SetupTest() {
	s.f = newFixture(dbtest.NewDialer(nil))
}

func (s *WaitlistSuite) TestJoinThenDuplicate() {
	w := s.f.post(`{"email":"user@example.com"}`)
	s.Require().Equal(http.StatusOK, w.Code)

	var ok models.MessageResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &ok))
	s.Equal("Successfully joined the waitlist!", ok.Message)

	stored, found := s.f.dialer.Store.Get("user@example.com")
	s.Require().True(found)
	s.WithinDuration(time.Now(), stored.CreatedAt, 5*time.Second)

	w = s.f.post(`{"email":"user@example.com"}`)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("Email already registered", decodeError(s.T(), w))
	s.Equal(1, s.f.dialer.Store.Len())
}

func (s *WaitlistSuite) TestInvalidInput() {
	bodies := map[string]string{
		"bad shape":   `{"email":"not-an-email"}`,
		"missing":     `{}`,
		"null":        `{"email":null}`,
		"empty":       `{"email":""}`,
		"number":      `{"email":42}`,
		"array":       `{"email":["user@example.com"]}`,
		"not json":    `email=user@example.com`,
		"empty body":  ``,
		"json string": `"user@example.com"`,
	}

	for name, body := range bodies {
		s.Run(name, func() {
			w := s.f.post(body)
			s.Equal(http.StatusBadRequest, w.Code)
			s.Equal("Please enter a valid email address.", decodeError(s.T(), w))
		})
	}

	s.Equal(0, s.f.dialer.Dials(), "invalid input must not reach the database")
}

func (s *WaitlistSuite) TestHealth() {
	w := s.f.get("/health")
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"status":"ok"}`, w.Body.String())
}

func (s *WaitlistSuite) TestReady() {
	w := s.f.get("/health/ready")
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"status":"ready"}`, w.Body.String())
	s.Equal(1, s.f.dialer.TotalCloses())
}

func (s *WaitlistSuite) TestStatsCountsOutcomes() {
	s.f.post(`{"email":"a@example.com"}`)
	s.f.post(`{"email":"a@example.com"}`)
	s.f.post(`{"email":"nope"}`)

	w := s.f.get("/health/stats")
	s.Require().Equal(http.StatusOK, w.Code)

	var body struct {
		Outcomes map[string]int64 `json:"outcomes"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(int64(1), body.Outcomes["success"])
	s.Equal(int64(1), body.Outcomes["duplicate"])
	s.Equal(int64(1), body.Outcomes["validation"])
	s.Equal(int64(0), body.Outcomes["unavailable"])
}

func (s *WaitlistSuite) TestRequestID() {
	w := s.f.get("/health")
	s.NotEmpty(w.Header().Get("X-Request-ID"))

	const id = "7b1f1c8e-1f1a-4c57-9d8b-2b8c1f2d9a10"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", id)
	w = httptest.NewRecorder()
	s.f.router.ServeHTTP(w, req)
	s.Equal(id, w.Header().Get("X-Request-ID"))
}

func (s *WaitlistSuite) TestCORSPreflight() {
	req := httptest.NewRequest(http.MethodOptions, "/api/waitlist", nil)
	req.Header.Set("Origin", "https://alatar.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	s.f.router.ServeHTTP(w, req)

	s.Equal("https://alatar.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWaitlistSuite(t *testing.T) {
	suite.Run(t, new(WaitlistSuite))
}

func TestJoinStoreFailures(t *testing.T) {
	selection := apperr.E(apperr.ServerSelection, "memory.connect", errors.New("server selection timeout"))
	network := apperr.E(apperr.Network, "memory.connect", errors.New("connection reset by peer"))

	tests := []struct {
		name       string
		dialer     func() *dbtest.Dialer
		wantStatus int
		wantMsg    string
		wantDials  int
	}{
		{
			name: "database unreachable",
			dialer: func() *dbtest.Dialer {
				step := dbtest.Step{Err: selection}
				return dbtest.NewDialer(nil, step, step, step)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "Unable to connect to the database. Please try again later.",
			wantDials:  3,
		},
		{
			name: "network failure",
			dialer: func() *dbtest.Dialer {
				step := dbtest.Step{Err: network}
				return dbtest.NewDialer(nil, step, step, step)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantMsg:    "Network error occurred. Please check your connection and try again.",
			wantDials:  3,
		},
		{
			name: "insert not acknowledged",
			dialer: func() *dbtest.Dialer {
				store := dbtest.NewStore()
				store.InsertErr = apperr.E(apperr.Insert, "memory.insert", errors.New("unacknowledged write"))
				return dbtest.NewDialer(store)
			},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "An unexpected error occurred. Please try again.",
			wantDials:  1,
		},
		{
			name: "unclassified failure",
			dialer: func() *dbtest.Dialer {
				store := dbtest.NewStore()
				store.FindErr = errors.New("boom")
				return dbtest.NewDialer(store)
			},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "An unexpected error occurred. Please try again.",
			wantDials:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.dialer())

			w := f.post(`{"email":"user@example.com"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantMsg, decodeError(t, w))
			assert.Equal(t, tt.wantDials, f.dialer.Dials())
			assert.NotContains(t, w.Body.String(), "memory.")
		})
	}
}

func TestReadyReportsUnavailable(t *testing.T) {
	down := apperr.E(apperr.ServerSelection, "memory.connect", errors.New("server selection timeout"))
	f := newFixture(dbtest.NewDialer(nil, dbtest.Step{Err: down}, dbtest.Step{Err: down}))

	w := f.get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unavailable","error":"Unable to connect to the database. Please try again later."}`, w.Body.String())
	assert.Equal(t, 1, f.dialer.Dials(), "readiness never retries")
}

func TestRateLimitedJoin(t *testing.T) {
	f := newFixture(dbtest.NewDialer(nil), func(o *api.Options) {
		o.Limiter = ratelimit.NewStore(0.01, 1)
	})

	assert.Equal(t, http.StatusOK, f.post(`{"email":"first@example.com"}`).Code)

	w := f.post(`{"email":"second@example.com"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests. Please try again later.", decodeError(t, w))
	assert.Equal(t, 1, f.dialer.Store.Len())

	assert.Equal(t, http.StatusOK, f.get("/health").Code, "health is never limited")
}

func TestResponseMapping(t *testing.T) {
	tests := []struct {
		kind   apperr.Kind
		status int
		msg    string
	}{
		{apperr.Validation, http.StatusBadRequest, "Please enter a valid email address."},
		{apperr.Duplicate, http.StatusBadRequest, "Email already registered"},
		{apperr.ServerSelection, http.StatusServiceUnavailable, "Unable to connect to the database. Please try again later."},
		{apperr.Network, http.StatusServiceUnavailable, "Network error occurred. Please check your connection and try again."},
		{apperr.Insert, http.StatusInternalServerError, "An unexpected error occurred. Please try again."},
		{apperr.Internal, http.StatusInternalServerError, "An unexpected error occurred. Please try again."},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			status, msg := api.Response(tt.kind)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, msg)
		})
	}
}
