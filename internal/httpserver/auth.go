package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/al-bashkir/ccv-dashboard/internal/crm"
	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
)

// userError maps a backend error to a status code and a message safe to
// show on a page.
func userError(err error, fallback string) (int, string) {
	var vErr *crm.ValidationError
	var apiErr *crm.APIError

	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Message()
	case errors.As(err, &apiErr):
		return apiStatus(apiErr.StatusCode), apiErr.Message
	default:
		return http.StatusBadGateway, fallback
	}
}

// apiStatus picks the dashboard status for a CRM failure. A 2xx reply that
// reports failure, or a 401/403 on the unauthenticated login path, means
// the credentials or code were rejected.
func apiStatus(crmStatus int) int {
	switch {
	case crmStatus >= 200 && crmStatus < 300,
		crmStatus == http.StatusUnauthorized,
		crmStatus == http.StatusForbidden:
		return http.StatusUnauthorized
	case crmStatus >= 400 && crmStatus < 500:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.sessionMgr.IsAuthenticated() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	page := authPage{Notice: s.takeNotice()}
	if r.URL.Query().Get("expired") == "1" {
		page.Notice = sessionExpiredNotice
	}

	s.render(w, http.StatusOK, "login.html", page)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.render(w, http.StatusBadRequest, "login.html", authPage{Error: "Invalid form submission"})
		return
	}

	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")

	resp, err := s.backend.Login(r.Context(), email, password)
	if err != nil {
		status, msg := userError(err, "An error occurred during login")

		var vErr *crm.ValidationError
		if errors.As(err, &vErr) {
			msg = "Please enter valid credentials"
		}
		if status == http.StatusBadGateway {
			slog.Error("login failed", // #nosec G706 -- values sanitized via logsanitize
				"email", logsanitize.Email(email),
				"error", err,
			)
		}

		s.render(w, status, "login.html", authPage{Email: email, Error: msg})
		return
	}

	if resp.NeedsVerification() {
		http.Redirect(w, r, "/verify?sent=1", http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	if s.sessionMgr.IsAuthenticated() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if s.sessionMgr.PendingVerificationID() == "" {
		redirectToLogin(w, r, true)
		return
	}

	var page authPage
	if r.URL.Query().Get("sent") == "1" {
		page.Notice = "Verification code sent"
	}

	s.render(w, http.StatusOK, "verify.html", page)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.render(w, http.StatusBadRequest, "verify.html", authPage{Error: "Invalid form submission"})
		return
	}

	code := strings.TrimSpace(r.PostForm.Get("code"))

	_, err := s.backend.VerifyCode(r.Context(), code)
	switch {
	case err == nil:
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	case errors.Is(err, crm.ErrNoPendingVerification):
		redirectToLogin(w, r, true)
		return
	}

	status, msg := userError(err, "An error occurred during verification")

	var vErr *crm.ValidationError
	if errors.As(err, &vErr) {
		msg = "Please enter a 6-digit verification code"
	}
	if status == http.StatusBadGateway {
		slog.Error("verification failed", "error", err)
	}

	s.render(w, status, "verify.html", authPage{Error: msg})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Logout(); err != nil {
		slog.Error("failed to clear session on logout", "error", err)
	}
	slog.Info("user logged out")

	redirectToLogin(w, r, false)
}

// sessionLost reports whether err (or the session state) means the user
// has to log in again.
func (s *Server) sessionLost(err error) bool {
	return errors.Is(err, session.ErrSessionExpired) || !s.sessionMgr.IsAuthenticated()
}
