// Package handler exposes the relay, health and metrics endpoints over Echo.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Upstream reports the backend origin the relay targets.
type Upstream interface {
	BaseURL() string
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	upstream Upstream
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(upstream Upstream, v Version) *HealthHandler {
	return &HealthHandler{upstream: upstream, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, the relay prefix and the resolved backend URL.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"relay_prefix": RelayPrefix,
		"upstream_url": h.upstream.BaseURL(),
	})
}
