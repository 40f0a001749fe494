package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
	"github.com/al-bashkir/ccv-dashboard/internal/metrics"
	"github.com/al-bashkir/ccv-dashboard/internal/store"
)

// Refresher exchanges a refresh token for a new token pair.
// It must not route through a Transport built on the same Manager.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error)
}

// Manager holds the process-wide Session and serializes every change to it.
// It is thread-safe and supports concurrent access.
type Manager struct {
	mu        sync.Mutex
	sess      Session
	store     store.Store
	refresher Refresher

	// gen changes whenever the session is replaced or cleared. A refresh
	// whose starting gen is stale discards its result.
	gen uint64

	// Single-flight refresh state. waiters are resolved in order once the
	// in-flight refresh settles.
	refreshing bool
	waiters    []chan refreshResult

	subscribers map[int]chan struct{}
	nextSubID   int

	now func() time.Time
}

type refreshResult struct {
	token string
	err   error
}

// NewManager creates a manager backed by st. The session starts anonymous;
// call Restore to load persisted tokens.
func NewManager(st store.Store) *Manager {
	return &Manager{
		store:       st,
		subscribers: make(map[int]chan struct{}),
		now:         time.Now,
	}
}

// SetRefresher sets the client used to refresh tokens.
func (m *Manager) SetRefresher(r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = r
}

// Restore loads persisted tokens from the store. A half-written pair is
// discarded and removed from the store.
func (m *Manager) Restore() error {
	sess, ok := m.loadPersisted()
	if !ok {
		if err := m.store.Delete(persistedKeys...); err != nil {
			return fmt.Errorf("failed to clear incomplete session: %w", err)
		}
		return nil
	}
	if sess.AccessToken == "" {
		return nil
	}

	m.mu.Lock()
	m.sess = sess
	m.gen++
	m.mu.Unlock()

	slog.Info("session restored",
		"user_id", sess.User.ID(),
		"access_token", logsanitize.Token(sess.AccessToken),
	)

	return nil
}

// Reload picks up a session written to the store by another process, such
// as a CLI login, logout or token refresh. It is a no-op when the store
// matches the held tokens.
func (m *Manager) Reload() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	sess, ok := m.loadPersisted()
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A local change landed while the store was read; it is newer.
	if m.gen != gen {
		return
	}

	if sess.AccessToken == m.sess.AccessToken && sess.RefreshToken == m.sess.RefreshToken {
		return
	}

	// A pending two-factor login has nothing persisted yet.
	if sess.AccessToken == "" && m.sess.AccessToken == "" {
		return
	}

	if sess.AccessToken == "" {
		slog.Info("session cleared by another process")
	} else {
		slog.Info("session updated by another process",
			"user_id", sess.User.ID(),
			"access_token", logsanitize.Token(sess.AccessToken),
		)
	}

	m.sess = sess
	m.gen++
}

// loadPersisted reads the session from the store. ok is false when only
// half of the token pair is present.
func (m *Manager) loadPersisted() (sess Session, ok bool) {
	access, _ := m.store.Get(KeyAccessToken)
	refresh, _ := m.store.Get(KeyRefreshToken)

	if access == "" || refresh == "" {
		if access != "" || refresh != "" {
			slog.Warn("discarding incomplete persisted session")
			return Session{}, false
		}
		return Session{}, true
	}

	sess = Session{
		AccessToken:  access,
		RefreshToken: refresh,
	}

	if v, ok := m.store.Get(KeyExpiresIn); ok {
		if n, err := strconv.Atoi(v); err == nil {
			sess.ExpiresIn = n
		}
	}

	if v, ok := m.store.Get(KeyUser); ok && v != "" {
		var u User
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			slog.Warn("ignoring unreadable persisted user", "error", err)
		} else {
			sess.User = u
		}
	}

	return sess, true
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s.User != nil {
		u := make(User, len(s.User))
		for k, v := range s.User {
			u[k] = v
		}
		s.User = u
	}
	return s
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.AccessToken
}

// PendingVerificationID returns the code id of an unfinished two-factor login.
func (m *Manager) PendingVerificationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.PendingVerificationID
}

// IsAuthenticated reports whether an access token is held.
func (m *Manager) IsAuthenticated() bool {
	return m.AccessToken() != ""
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	tok := m.sess.Token()
	m.mu.Unlock()

	if tok == nil {
		return nil, ErrNotAuthenticated
	}
	return tok, nil
}

var _ oauth2.TokenSource = (*Manager)(nil)

// AttachAuth sets the bearer header on req when a token is held.
// Anonymous requests are left unchanged.
func (m *Manager) AttachAuth(req *http.Request) {
	if tok, err := m.Token(); err == nil {
		tok.SetAuthHeader(req)
	}
}

// SetAuth stores a complete token pair and persists it. Any pending
// verification is cleared. If either token is missing the session is
// cleared and ErrIncompleteTokens is returned.
func (m *Manager) SetAuth(p AuthPayload) error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		slog.Warn("refusing to store incomplete token pair",
			"has_access_token", p.AccessToken != "",
			"has_refresh_token", p.RefreshToken != "",
		)
		if err := m.ClearAuth(); err != nil {
			return err
		}
		return ErrIncompleteTokens
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sess = Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
		User:         p.User,
		IssuedAt:     m.now(),
	}
	m.gen++

	if err := m.persistLocked(); err != nil {
		return err
	}

	slog.Info("session authenticated",
		"user_id", p.User.ID(),
		"expires_in", p.ExpiresIn,
	)
	return nil
}

// SetPendingVerification records the code id of a login awaiting a
// two-factor code. Any held tokens are dropped.
func (m *Manager) SetPendingVerification(codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sess = Session{PendingVerificationID: codeID}
	m.gen++

	if err := m.store.Delete(persistedKeys...); err != nil {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	return nil
}

// ClearAuth resets the session to anonymous and removes it from the store.
func (m *Manager) ClearAuth() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked()
}

// Expire clears the session and notifies subscribers that it is no longer
// valid. Used when the CRM rejects the session outside a user action.
func (m *Manager) Expire(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(reason)
}

// ExpireToken expires the session only if it still holds accessToken.
// It reports whether the session was expired.
func (m *Manager) ExpireToken(accessToken, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accessToken == "" || m.sess.AccessToken != accessToken {
		return false, nil
	}
	return true, m.expireLocked(reason)
}

// expireLocked must be called with mu held.
func (m *Manager) expireLocked(reason string) error {
	slog.Warn("session expired", "reason", reason)

	err := m.clearLocked()
	m.notifyLocked()
	metrics.Get().SessionExpiredTotal.Inc()
	return err
}

// Refresh exchanges the held refresh token for a new pair. The user record
// is preserved; the expiry is replaced when the CRM reports one.
// With no refresh token it returns ErrNoRefreshToken without a network call.
// On any other failure the session is expired and the returned error wraps
// ErrSessionExpired. If the session is replaced or cleared while the call
// is in flight, the outcome is discarded in favour of the newer state.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := m.sess.RefreshToken
	refresher := m.refresher
	gen := m.gen
	m.mu.Unlock()

	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}
	if refresher == nil {
		return "", fmt.Errorf("no token refresher configured")
	}

	tokens, err := refresher.RefreshToken(ctx, refreshToken)
	if err == nil && (tokens == nil || tokens.AccessToken == "" || tokens.RefreshToken == "") {
		err = fmt.Errorf("refresh response did not contain a token pair")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		metrics.Get().RefreshesTotal.WithLabelValues("discarded").Inc()
		slog.Info("session changed during token refresh, discarding result")
		if m.sess.AccessToken != "" {
			return m.sess.AccessToken, nil
		}
		return "", fmt.Errorf("%w: session ended during refresh", ErrSessionExpired)
	}

	if err != nil {
		metrics.Get().RefreshesTotal.WithLabelValues("failure").Inc()
		if clearErr := m.expireLocked("token refresh failed"); clearErr != nil {
			slog.Error("failed to clear session after refresh failure", "error", clearErr)
		}
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	m.sess.AccessToken = tokens.AccessToken
	m.sess.RefreshToken = tokens.RefreshToken
	if tokens.ExpiresIn > 0 {
		m.sess.ExpiresIn = tokens.ExpiresIn
	}
	m.sess.IssuedAt = m.now()
	m.sess.PendingVerificationID = ""
	m.gen++

	if err := m.persistLocked(); err != nil {
		return "", err
	}

	slog.Info("access token refreshed", "access_token", logsanitize.Token(tokens.AccessToken))
	metrics.Get().RefreshesTotal.WithLabelValues("success").Inc()

	return tokens.AccessToken, nil
}

// Subscribe returns a channel that receives a value each time the session
// expires. Delivery is best effort: a slow reader misses duplicate events.
// The returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// notifyLocked must be called with mu held.
func (m *Manager) notifyLocked() {
	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// clearLocked must be called with mu held.
func (m *Manager) clearLocked() error {
	m.sess = Session{}
	m.gen++
	if err := m.store.Delete(persistedKeys...); err != nil {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	return nil
}

// persistLocked writes the token pair and metadata. Must be called with mu held.
func (m *Manager) persistLocked() error {
	values := map[string]string{
		KeyAccessToken:  m.sess.AccessToken,
		KeyRefreshToken: m.sess.RefreshToken,
	}
	var stale []string

	if m.sess.ExpiresIn > 0 {
		values[KeyExpiresIn] = strconv.Itoa(m.sess.ExpiresIn)
	} else {
		stale = append(stale, KeyExpiresIn)
	}

	if m.sess.User != nil {
		data, err := json.Marshal(m.sess.User)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
		values[KeyUser] = string(data)
	} else {
		stale = append(stale, KeyUser)
	}

	if id := m.sess.User.ID(); id != "" {
		values[KeyUserID] = id
	} else {
		stale = append(stale, KeyUserID)
	}

	if err := m.store.Set(values); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if len(stale) > 0 {
		if err := m.store.Delete(stale...); err != nil {
			return fmt.Errorf("failed to persist session: %w", err)
		}
	}
	return nil
}
