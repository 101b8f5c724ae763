package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlostoek/yabot/coordinator"
	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/metrics"
	"github.com/carlostoek/yabot/services/narrative"
	"github.com/carlostoek/yabot/services/subscription"
	"github.com/carlostoek/yabot/services/user"
	"github.com/carlostoek/yabot/store"
)

type fakeBus struct {
	healthy bool
	depth   int
}

func (f *fakeBus) Healthy() bool   { return f.healthy }
func (f *fakeBus) QueueDepth() int { return f.depth }

type fixture struct {
	server *Server
	doc    *store.MockDocumentDriver
	rel    *store.MockRelationalDriver
	bus    *fakeBus
	users  *user.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc := store.NewMockDocumentDriver()
	rel := store.NewMockRelationalDriver()
	rec := eventbus.NewRecorder()
	st := store.New(doc, rel, &profile.Profile{})

	users := user.New(st, rec)
	subs := subscription.New(st, rec)
	narr := narrative.New(st, rec)
	coord := coordinator.New(st, users, subs, narr, coordinator.NewBuffer(rec, 0, nil), rec, nil)
	narr.SetVIPChecker(coord)

	bus := &fakeBus{healthy: true}
	srv := New(&profile.Profile{Addr: "127.0.0.1", Port: 8081}, st, users, coord, bus, metrics.New(metrics.Config{}))
	return &fixture{server: srv, doc: doc, rel: rel, bus: bus, users: users}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var r readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.True(t, r.Ready)
	assert.True(t, r.BusHealthy)

	// A degraded broker does not block readiness.
	f.bus.healthy = false
	f.bus.depth = 7
	rec = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.True(t, r.Ready)
	assert.False(t, r.BusHealthy)
	assert.Equal(t, 7, r.QueueDepth)

	// An unreachable store does.
	f.doc.FailPing = errors.New("mongo down")
	rec = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.False(t, r.Ready)
	assert.False(t, r.Stores.DocumentOK)
	assert.True(t, r.Stores.RelationalOK)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "yabot_bus_local_queue_depth")
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/v1/users/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.users.CreateUser(ctx, user.PlatformUser{ID: 42, Username: "ana", LanguageCode: "es"})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/users/42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var uc user.UserContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uc))
	assert.Equal(t, "42", uc.UserID)
	require.NotNil(t, uc.Profile)
	assert.Equal(t, int64(42), uc.Profile.TelegramUserID)
	require.NotNil(t, uc.Document)
	assert.Zero(t, uc.Document.BesitosBalance)
}

func TestBufferStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/buffer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Buffered map[string]int `json:"buffered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Buffered)
}

func TestAdjustBesitos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.users.CreateUser(ctx, user.PlatformUser{ID: 42, Username: "ana"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/users/42/besitos",
		besitosRequest{Delta: 5, Type: "bonus"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res besitosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "42", res.UserID)
	assert.Equal(t, int64(5), res.Balance)

	rec = f.do(t, http.MethodPost, "/api/v1/users/42/besitos",
		besitosRequest{Delta: -10, Type: "purchase"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient funds")

	rec = f.do(t, http.MethodPost, "/api/v1/users/42/besitos",
		besitosRequest{Delta: 1, Type: "gift"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/users/99/besitos",
		besitosRequest{Delta: 1, Type: "bonus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
