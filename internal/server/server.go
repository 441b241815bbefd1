// Package server exposes the memory coordinator to agents over HTTP and
// WebSocket. Agents authenticate once, then issue JSON-RPC calls against
// /api/rpc or over the persistent /api/ws connection; handoff writes fan
// out as asynchronous notifications through the connection hub.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentic-crm/memstack/config"
	"github.com/agentic-crm/memstack/internal/memory/coordinator"
	"github.com/agentic-crm/memstack/internal/rpc"
)

// Server wires the transport around an existing coordinator.
type Server struct {
	cfg        *config.Config
	coord      *coordinator.Coordinator
	dispatcher *rpc.Dispatcher
	hub        *Hub
	echo       *echo.Echo
	logger     *log.Logger
}

// New builds the HTTP layer. The coordinator must already be constructed;
// the server owns only transport concerns.
func New(cfg *config.Config, coord *coordinator.Coordinator, logger *log.Logger) (*Server, error) {
	if cfg == nil || coord == nil {
		return nil, fmt.Errorf("config and coordinator required")
	}
	if cfg.Server.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	}

	s := &Server{
		cfg:        cfg,
		coord:      coord,
		dispatcher: rpc.NewDispatcher(nil),
		hub:        NewHub(cfg.Server.QueueSize, logger),
		logger:     logger,
	}
	s.registerMethods()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := &AuthHandler{
		Agents:   cfg.Server.Agents,
		Secret:   []byte(cfg.Server.JWTSecret),
		TokenTTL: cfg.Server.TokenTTL,
	}
	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	protected := api.Group("")
	protected.Use(withAuth(auth.Secret))
	protected.POST("/rpc", s.handleRPC)
	protected.GET("/ws", s.hub.ServeWS(s.dispatcher))
	protected.GET("/status", s.handleStatus)

	s.echo = e
	return s, nil
}

// handleRPC serves one JSON-RPC call per HTTP request.
func (s *Server) handleRPC(c echo.Context) error {
	var req rpc.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp := s.dispatcher.Dispatch(c.Request().Context(), req)
	return c.JSON(http.StatusOK, resp)
}

// handleStatus is a REST convenience over get_memory_status.
func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coord.MemoryStatus(c.Request().Context()))
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the listener and closes live agent connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

// Hub exposes the notification hub for callers that deliver out-of-band
// messages (e.g. broadcast maintenance alerts).
func (s *Server) Hub() *Hub { return s.hub }
