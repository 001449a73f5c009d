// Package regapi is the thin HTTP surface over internal/registry (spec.md
// §4.8, §6): exactly the five `/server/system/*` routes, nothing else.
//
// Grounded in the teacher's own use of labstack/echo for its HTTP surface
// (internal/httpcontroller, internal/httpserver), trimmed down to the
// handful of routes this spec actually names.
package regapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/capturehost/hostpipeline/internal/registry"
)

// Server wires the registry into an echo instance.
type Server struct {
	Echo *echo.Echo
	reg  *registry.Registry
}

// New builds a Server with routes registered under /server/system/*.
func New(reg *registry.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{Echo: e, reg: reg}
	g := e.Group("/server/system")
	g.POST("/register", s.handleRegister)
	g.POST("/unregister", s.handleUnregister)
	g.POST("/ping", s.handlePing)
	g.GET("/getAllHosts", s.handleGetAllHosts)
	g.GET("/health", s.handleHealth)
	return s
}

type registerRequest struct {
	HostName    string             `json:"host_name"`
	HostURL     string             `json:"host_url"`
	HostPort    int                `json:"host_port"`
	Devices     []registry.Device  `json:"devices"`
	SystemStats map[string]any     `json:"system_stats"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.HostName == "" || req.HostURL == "" || len(req.Devices) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "host_name, host_url, and devices are required")
	}

	now := time.Now()
	host := registry.Host{
		HostName:    req.HostName,
		HostURL:     req.HostURL,
		HostPort:    req.HostPort,
		Devices:     req.Devices,
		SystemStats: req.SystemStats,
	}
	s.reg.Register(host, now)

	hostData, _ := s.reg.Get(req.HostName)
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "registered",
		"host_name": req.HostName,
		"host_data": hostData,
	})
}

type hostNameRequest struct {
	HostName string `json:"host_name"`
}

func (s *Server) handleUnregister(c echo.Context) error {
	var req hostNameRequest
	if err := c.Bind(&req); err != nil || req.HostName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "host_name is required")
	}

	if !s.reg.Unregister(req.HostName) {
		return echo.NewHTTPError(http.StatusNotFound, "host not registered")
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "unregistered", "host_name": req.HostName})
}

type pingRequest struct {
	HostName    string         `json:"host_name"`
	SystemStats map[string]any `json:"system_stats"`
}

func (s *Server) handlePing(c echo.Context) error {
	var req pingRequest
	if err := c.Bind(&req); err != nil || req.HostName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "host_name is required")
	}

	if !s.reg.Ping(req.HostName, req.SystemStats, time.Now()) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"status": "not_registered",
			"action": "register",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "host_name": req.HostName})
}

func (s *Server) handleGetAllHosts(c echo.Context) error {
	hosts := s.reg.GetAllHosts(time.Now())
	return c.JSON(http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleHealth(c echo.Context) error {
	hosts := s.reg.GetAllHosts(time.Now())
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"system_stats": map[string]any{
			"registered_hosts": len(hosts),
		},
	})
}
