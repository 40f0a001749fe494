package session

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/ccv-dashboard/internal/metrics"
)

type retriedKey struct{}

// withRetried marks ctx as belonging to a request that was already
// replayed once after a refresh.
func withRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that authenticates requests with the
// Manager's access token. A 401 response triggers one shared token refresh
// and the request is replayed once with the new token.
type Transport struct {
	Manager *Manager

	// Base is the underlying transport. http.DefaultTransport if nil.
	Base http.RoundTripper
}

// NewTransport wraps base with session authentication.
func NewTransport(m *Manager, base http.RoundTripper) *Transport {
	return &Transport{Manager: m, Base: base}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	sent := t.Manager.AccessToken()
	out := req.Clone(ctx)
	if sent != "" {
		out.Header.Set("Authorization", "Bearer "+sent)
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// The refreshed token was rejected too; the session is unusable.
	if isRetried(ctx) {
		drainAndClose(resp.Body)
		if _, err := t.Manager.ExpireToken(sent, "access token rejected after refresh"); err != nil {
			slog.Error("failed to clear rejected session", "error", err)
		}
		return nil, fmt.Errorf("%w: request unauthorized after token refresh", ErrSessionExpired)
	}

	// Without GetBody the consumed body cannot be sent again.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		slog.Debug("not replaying request with unrewindable body", "path", req.URL.Path)
		return resp, nil
	}

	drainAndClose(resp.Body)
	if _, err := t.Manager.awaitRefresh(ctx, sent); err != nil {
		return nil, err
	}

	retryCtx := withRetried(ctx)
	retry := req.Clone(retryCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	slog.Debug("replaying request after token refresh", "path", req.URL.Path)
	metrics.Get().RequestsReplayedTotal.Inc()

	// Re-enter so the retry picks up the refreshed token.
	return t.RoundTrip(retry)
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// awaitRefresh returns a usable access token after a request sent with
// stale was rejected. If the held token already differs from stale it is
// returned directly. Otherwise the caller joins the in-flight refresh or
// starts one. Only one refresh runs at a time; everyone waiting on it gets
// the same result.
func (m *Manager) awaitRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()

	if m.refreshing {
		ch := make(chan refreshResult, 1)
		m.waiters = append(m.waiters, ch)
		m.mu.Unlock()
		metrics.Get().RefreshWaitersTotal.Inc()

		select {
		case res := <-ch:
			return res.token, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if current := m.sess.AccessToken; current != "" && current != stale {
		m.mu.Unlock()
		return current, nil
	}

	m.refreshing = true
	m.mu.Unlock()

	token, err := m.runRefresh(ctx)

	m.mu.Lock()
	for _, ch := range m.waiters {
		ch <- refreshResult{token: token, err: err}
	}
	m.waiters = nil
	m.refreshing = false
	m.mu.Unlock()

	return token, err
}

// runRefresh performs the shared refresh. It is detached from the caller's
// cancellation since other requests may be waiting on it.
func (m *Manager) runRefresh(ctx context.Context) (string, error) {
	token, err := m.Refresh(context.WithoutCancel(ctx))
	if errors.Is(err, ErrNoRefreshToken) {
		// Nothing was held, so there is no session to expire.
		return "", errors.Join(ErrSessionExpired, err)
	}
	return token, err
}
