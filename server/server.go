// Package server exposes health probes, Prometheus metrics and a thin
// admin API over the running system.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/coordinator"
	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/metrics"
	"github.com/carlostoek/yabot/services/user"
	"github.com/carlostoek/yabot/store"
)

// busStatus is the slice of the event bus the readiness probe reads.
type busStatus interface {
	Healthy() bool
	QueueDepth() int
}

type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	store   *store.Store
	users   *user.Service
	coord   *coordinator.Coordinator
	bus     busStatus
	metrics *metrics.Metrics
}

func New(p *profile.Profile, st *store.Store, users *user.Service, coord *coordinator.Coordinator, bus busStatus, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		profile: p,
		store:   st,
		users:   users,
		coord:   coord,
		bus:     bus,
		metrics: m,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/readyz", s.readyz)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	api := e.Group("/api/v1")
	api.GET("/users/:id", s.getUser)
	api.GET("/buffer", s.bufferStatus)
	api.POST("/users/:id/besitos", s.adjustBesitos)

	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "start http server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP makes the server mountable and testable as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Ready      bool         `json:"ready"`
	Stores     store.Health `json:"stores"`
	BusHealthy bool         `json:"bus_healthy"`
	QueueDepth int          `json:"queue_depth"`
}

// readyz reports ready only when both stores answer. A degraded bus does
// not block readiness; events queue locally until the broker returns.
func (s *Server) readyz(c echo.Context) error {
	h := s.store.Health(c.Request().Context())
	r := readiness{
		Ready:      h.DocumentOK && h.RelationalOK,
		Stores:     h,
		BusHealthy: s.bus.Healthy(),
		QueueDepth: s.bus.QueueDepth(),
	}
	code := http.StatusOK
	if !r.Ready {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, r)
}

func (s *Server) getUser(c echo.Context) error {
	uc, err := s.users.GetUserContext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if uc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, uc)
}

func (s *Server) bufferStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"buffered": s.coord.BufferStatus()})
}

type besitosRequest struct {
	Delta       int64  `json:"delta"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type besitosResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (s *Server) adjustBesitos(c echo.Context) error {
	var req besitosRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	txType := coordinator.TxType(req.Type)
	if !txType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid transaction type %q", req.Type))
	}

	userID := c.Param("id")
	balance, err := s.coord.ProcessBesitosTransaction(c.Request().Context(), userID, req.Delta, txType, req.Description)
	switch {
	case errors.Is(err, coordinator.ErrInsufficientFunds):
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"message": "insufficient funds",
			"balance": balance,
		})
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, besitosResponse{UserID: userID, Balance: balance})
}
