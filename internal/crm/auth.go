package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
)

// LoginResponse is the CRM's answer to a login attempt.
type LoginResponse struct {
	Login                    bool         `json:"login"`
	CodeVerificationRequired bool         `json:"code_verification_required"`
	CodeID                   string       `json:"code_id"`
	Message                  string       `json:"message"`
	AccessToken              string       `json:"access_token"`
	RefreshToken             string       `json:"refresh_token"`
	ExpiresIn                int          `json:"expires_in"`
	User                     session.User `json:"user"`
}

// NeedsVerification reports whether the login must be confirmed with a
// two-factor code.
func (r *LoginResponse) NeedsVerification() bool {
	return r.Login && r.CodeVerificationRequired && r.CodeID != ""
}

// VerifyResponse is the CRM's answer to a two-factor code.
type VerifyResponse struct {
	Verified     bool         `json:"verified"`
	Message      string       `json:"message"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int          `json:"expires_in"`
	User         session.User `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type verifyRequest struct {
	CodeID string `json:"code_id" validate:"required"`
	Code   string `json:"code" validate:"required,len=6"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type validateRequestBody struct {
	AccessToken string `json:"access_token"`
}

type validateResponse struct {
	Success *bool `json:"success"`
	Status  *bool `json:"status"`
}

// Login authenticates with email and password. If the CRM asks for a
// two-factor code the session records the pending verification; otherwise
// the returned tokens are stored.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	req := loginRequest{Email: email, Password: password}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var resp LoginResponse
	if err := c.post(ctx, c.plain, "/portal/automation-login", req, &resp, nil); err != nil {
		return nil, err
	}

	switch {
	case resp.NeedsVerification():
		if err := c.session.SetPendingVerification(resp.CodeID); err != nil {
			return nil, err
		}
		slog.Info("login requires verification code", "email", logsanitize.Email(email))
		return &resp, nil

	case resp.Login && resp.AccessToken != "":
		if err := c.session.SetAuth(session.AuthPayload{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresIn:    resp.ExpiresIn,
			User:         resp.User,
		}); err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
		slog.Info("login successful", "email", logsanitize.Email(email))
		return &resp, nil
	}

	slog.Warn("login rejected", "email", logsanitize.Email(email), "message", logsanitize.Sanitize(resp.Message))

	msg := resp.Message
	if msg == "" {
		msg = "Please enter valid credentials"
	}
	return &resp, &APIError{StatusCode: http.StatusOK, Message: msg}
}

// VerifyCode confirms a pending login with the 6-character code sent to
// the user. On success the returned tokens are stored.
func (c *Client) VerifyCode(ctx context.Context, code string) (*VerifyResponse, error) {
	codeID := c.session.PendingVerificationID()
	if codeID == "" {
		return nil, ErrNoPendingVerification
	}

	req := verifyRequest{CodeID: codeID, Code: code}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var resp VerifyResponse
	if err := c.post(ctx, c.plain, "/portal/verify-automation-code", req, &resp, nil); err != nil {
		return nil, err
	}

	if !resp.Verified || resp.AccessToken == "" {
		msg := resp.Message
		if msg == "" {
			msg = "Invalid verification code. Please try again."
		}
		slog.Warn("verification code rejected", "message", logsanitize.Sanitize(resp.Message))
		return &resp, &APIError{StatusCode: http.StatusOK, Message: msg}
	}

	if err := c.session.SetAuth(session.AuthPayload{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
		User:         resp.User,
	}); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	slog.Info("verification successful", "user_id", resp.User.ID())
	return &resp, nil
}

// RefreshToken exchanges a refresh token for a new pair. It bypasses the
// session transport and implements session.Refresher.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*session.Tokens, error) {
	var tokens session.Tokens
	if err := c.post(ctx, c.plain, "/portal/refresh-token", refreshRequest{RefreshToken: refreshToken}, &tokens, nil); err != nil {
		return nil, err
	}
	return &tokens, nil
}

var _ session.Refresher = (*Client)(nil)

// ValidateToken asks the CRM whether the held access token is still
// accepted. Any failure, including a network error, counts as invalid;
// the error is returned alongside for logging.
func (c *Client) ValidateToken(ctx context.Context) (bool, error) {
	token := c.session.AccessToken()
	if token == "" {
		return false, session.ErrNotAuthenticated
	}

	var resp validateResponse
	err := c.post(ctx, c.plain, "/portal/validate-token", validateRequestBody{AccessToken: token}, &resp,
		func(r *http.Request) { c.session.AttachAuth(r) })
	if err != nil {
		return false, err
	}

	if resp.Success == nil || !*resp.Success {
		return false, nil
	}
	if resp.Status != nil && !*resp.Status {
		return false, nil
	}
	return true, nil
}

// Logout forgets the session locally. The CRM has no logout endpoint.
func (c *Client) Logout() error {
	return c.session.ClearAuth()
}
