// Package service implements the request relay to the backend HR API.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"hrms-proxy/internal/client"
	"hrms-proxy/internal/config"
	"hrms-proxy/internal/metrics"
	"hrms-proxy/internal/model"
)

var (
	// ErrUnsupportedMethod is returned for methods outside SupportedMethods.
	ErrUnsupportedMethod = errors.New("unsupported relay method")
	// ErrEmptyPath is returned when a request names no upstream resource.
	ErrEmptyPath = errors.New("relay path has no segments")
)

// SupportedMethods are the methods the relay accepts.
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// bodyMethods carry the inbound body upstream; all other methods send none.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// forwardableRequestHeaders are the only request headers forwarded upstream,
// keyed by lower-cased name.
var forwardableRequestHeaders = map[string]bool{
	"content-type":    true,
	"authorization":   true,
	"cookie":          true,
	"accept":          true,
	"accept-language": true,
}

// RelayService forwards relay requests to the backend and normalizes replies.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL string
}

// NewRelayService creates a RelayService targeting cfg.Upstream.BaseURL.
// The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	base := config.NormalizeUpstreamURL(cfg.Upstream.BaseURL)
	if base == "" {
		base = config.DefaultUpstreamURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
		baseURL: base,
	}, nil
}

// BaseURL returns the resolved backend origin.
func (s *RelayService) BaseURL() string {
	return s.baseURL
}

// Forward issues exactly one backend call for rr and returns the normalized
// reply. Any backend status code is a success; only transport and body read
// failures are returned as errors.
//
// Cancellation of ctx is not propagated: once dispatched, the backend call
// runs to completion even if the inbound caller goes away.
func (s *RelayService) Forward(ctx context.Context, rr *model.RelayRequest) (*model.RelayResponse, error) {
	if !isSupported(rr.Method) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, rr.Method)
	}
	if len(rr.Segments) == 0 {
		return nil, ErrEmptyPath
	}

	target := s.BuildURL(rr.Segments, rr.RawQuery)
	header := filterRequestHeaders(rr.Header)

	var body io.Reader
	if bodyMethods[rr.Method] && len(rr.Body) > 0 {
		body = bytes.NewReader(rr.Body)
	}

	s.logger.Info("proxy request",
		"method", rr.Method,
		"url", target,
	)

	resp, err := s.client.Send(context.WithoutCancel(ctx), rr.Method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	s.logger.Info("proxy response",
		"status", resp.StatusCode,
		"url", target,
	)

	payload := model.ParsePayload(string(data))
	if s.metrics != nil {
		s.metrics.Payloads.WithLabelValues(payload.Kind().String()).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		URL:        target,
		Payload:    payload,
	}, nil
}

// BuildURL returns <base>/<segments joined by "/">, with "?rawQuery"
// appended when rawQuery is non-empty. Segments are path-escaped.
func (s *RelayService) BuildURL(segments []string, rawQuery string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}

	var b strings.Builder
	b.WriteString(s.baseURL)
	b.WriteByte('/')
	b.WriteString(strings.Join(escaped, "/"))
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// filterRequestHeaders copies only forwardableRequestHeaders, matching names
// case-insensitively. Values are copied verbatim; absent headers stay absent.
func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if len(vals) == 0 || !forwardableRequestHeaders[strings.ToLower(key)] {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		dst[canonical] = append(dst[canonical], vals...)
	}
	return dst
}

func isSupported(method string) bool {
	return slices.Contains(SupportedMethods, method)
}
