// Package session owns the CRM access/refresh token pair for the running
// process. It attaches bearer credentials to outgoing requests, refreshes
// the pair at most once at a time when the CRM answers 401, and replays the
// requests that failed because of an expired token.
package session

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Persisted store keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresIn    = "expires_in"
	KeyUser         = "user"
	KeyUserID       = "user_id"
)

// persistedKeys lists every key removed when the session is cleared.
var persistedKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresIn, KeyUser, KeyUserID}

var (
	// ErrSessionExpired is returned when a refresh failed and the session
	// was cleared. Callers must authenticate again.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoRefreshToken is returned by Refresh when there is nothing to refresh.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrNotAuthenticated is returned by Token when no access token is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrIncompleteTokens is returned by SetAuth when only one of the two
	// tokens is present.
	ErrIncompleteTokens = errors.New("access and refresh token must be set together")
)

// User is the opaque user record returned by the CRM on login.
type User map[string]any

// ID returns the user's "id" field as a string, or "" if absent.
func (u User) ID() string {
	v, ok := u["id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Session is the single live authentication state of the process.
// Empty strings, a zero ExpiresIn and a nil User mean "absent".
type Session struct {
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the access token lifetime in seconds as reported by the CRM.
	ExpiresIn int

	User User

	// PendingVerificationID is the code id returned by a login that requires
	// two-factor confirmation. Never set together with AccessToken.
	PendingVerificationID string

	// IssuedAt is when the current access token was stored. Zero for
	// sessions restored from the store.
	IssuedAt time.Time
}

// IsAuthenticated reports whether the session holds an access token.
func (s Session) IsAuthenticated() bool {
	return s.AccessToken != ""
}

// Token returns the session credential as an oauth2 token, or nil when
// the session is anonymous.
func (s Session) Token() *oauth2.Token {
	if s.AccessToken == "" {
		return nil
	}

	tok := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
	}
	if s.ExpiresIn > 0 && !s.IssuedAt.IsZero() {
		tok.Expiry = s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return tok
}

// AuthPayload is the token set delivered by a successful login or
// two-factor verification.
type AuthPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}

// Tokens is the result of a token refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
