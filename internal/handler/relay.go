package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"hrms-proxy/internal/model"
	"hrms-proxy/internal/service"
)

// RelayPrefix is the inbound path prefix served by the relay.
const RelayPrefix = "/api/proxy/"

// failureMessage is the fixed error field of the failure envelope.
const failureMessage = "Proxy request failed"

// errorEnvelope is the body of every relay-level failure.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// Forwarder forwards one relay request to the backend.
type Forwarder interface {
	Forward(ctx context.Context, rr *model.RelayRequest) (*model.RelayResponse, error)
}

// RelayHandler exposes the relay over HTTP.
type RelayHandler struct {
	forwarder Forwarder
	logger    *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		forwarder: svc,
		logger:    logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to the backend and writes the backend status with
// a JSON body. Any failure becomes a 500 with the fixed error envelope.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	rest, ok := strings.CutPrefix(req.URL.EscapedPath(), RelayPrefix)
	if !ok || rest == "" {
		return echo.ErrNotFound
	}

	segments, err := splitSegments(rest)
	if err != nil {
		return h.fail(c, fmt.Errorf("resolve path: %w", err))
	}

	rr := &model.RelayRequest{
		Method:   req.Method,
		Segments: segments,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}
	if carriesBody(req.Method) && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return h.fail(c, fmt.Errorf("read request body: %w", err))
		}
		rr.Body = body
	}

	resp, err := h.forwarder.Forward(req.Context(), rr)
	if err != nil {
		return h.fail(c, err)
	}

	if !bodyAllowed(resp.StatusCode) {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		c.Response().WriteHeader(resp.StatusCode)
		return nil
	}

	data, err := encodeJSON(resp.Payload)
	if err != nil {
		return h.fail(c, fmt.Errorf("encode response: %w", err))
	}
	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, data)
}

func (h *RelayHandler) fail(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	data, encErr := encodeJSON(errorEnvelope{
		Error:   failureMessage,
		Message: rootCause(err).Error(),
		Details: err.Error(),
	})
	if encErr != nil {
		return encErr
	}
	return c.Blob(http.StatusInternalServerError, echo.MIMEApplicationJSON, data)
}

// splitSegments decodes each "/"-separated segment of an escaped path.
func splitSegments(escaped string) ([]string, error) {
	parts := strings.Split(escaped, "/")
	for i, p := range parts {
		seg, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		parts[i] = seg
	}
	return parts, nil
}

// encodeJSON marshals v without HTML escaping or a trailing newline.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// rootCause returns the innermost error of a wrap chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// bodyAllowed reports whether a response with status may carry a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
