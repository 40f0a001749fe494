package httpserver

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/ccv-dashboard/internal/crm"
)

const sessionExpiredNotice = "Session expired, please login again"

// authPage is the data for the login and verify pages.
type authPage struct {
	Notice string
	Error  string
	Email  string
}

// dashboardPage is the data for the results dashboard.
type dashboardPage struct {
	Notice   string
	Error    string
	Warnings []string
	User     string

	Filter           crm.Filter
	DateOptions      []crm.Option
	CountryOptions   []crm.Option
	AffiliateOptions []crm.Option
	StatusOptions    []crm.Option

	// Searched is true once a search ran; Results is then non-nil.
	Searched      bool
	Results       *crm.ResultsPage
	ContactIDs    []string
	CanCreateList bool
	PrevURL       string
	NextURL       string
}

// render executes the named template into a buffer first so a template
// error never leaves a half-written page.
func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, status int, errMsg string) {
	s.render(w, status, "error.html", map[string]string{"Error": errMsg})
}

// redirectToLogin sends the browser to the login page, optionally with the
// session-expired notice.
func redirectToLogin(w http.ResponseWriter, r *http.Request, expired bool) {
	target := "/login"
	if expired {
		target += "?expired=1"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
