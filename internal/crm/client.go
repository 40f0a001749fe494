// Package crm is a client for the CRM REST API that stores the credit card
// validation results.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/ccv-dashboard/internal/config"
	"github.com/al-bashkir/ccv-dashboard/internal/metrics"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
)

const (
	apiPrefix      = "/Api/V8/custom"
	defaultTimeout = 30 * time.Second

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 10 << 20
)

// Client talks to the CRM. Calls made through it carry the session's
// bearer token and are replayed once after a token refresh on 401.
// Refresh and validation go through a separate client that bypasses the
// session transport.
type Client struct {
	baseURL string
	session *session.Manager

	api   *http.Client
	plain *http.Client
}

// NewClient creates a CRM client and registers it as the manager's
// token refresher.
func NewClient(cfg config.CRMConfig, mgr *session.Manager) *Client {
	return newClient(cfg, mgr, nil)
}

func newClient(cfg config.CRMConfig, mgr *session.Manager, base http.RoundTripper) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		session: mgr,
		api: &http.Client{
			Transport: session.NewTransport(mgr, base),
			Timeout:   timeout,
		},
		plain: &http.Client{
			Transport: base,
			Timeout:   timeout,
		},
	}

	mgr.SetRefresher(c)
	return c
}

// Session returns the session manager the client authenticates with.
func (c *Client) Session() *session.Manager {
	return c.session
}

// post sends payload as JSON to path and decodes a 2xx response into out.
// Non-2xx responses become *APIError.
func (c *Client) post(ctx context.Context, hc *http.Client, path string, payload, out any, prepare func(*http.Request)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	// bytes.Reader lets the session transport replay the body after a refresh.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if prepare != nil {
		prepare(req)
	}

	m := metrics.Get()
	start := time.Now()
	resp, err := hc.Do(req)
	m.CRMRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		m.CRMRequestsTotal.WithLabelValues(path, "error").Inc()
		slog.Warn("crm request failed", "path", path, "request_id", requestID, "error", err)
		return fmt.Errorf("crm request %s failed: %w", path, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	m.CRMRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	slog.Debug("crm request",
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
