package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/al-bashkir/ccv-dashboard/internal/crm"
	"github.com/al-bashkir/ccv-dashboard/internal/logsanitize"
)

// filterFrom reads the result filter from query or form values.
func filterFrom(v url.Values) crm.Filter {
	return crm.Filter{
		DateRange:          strings.TrimSpace(v.Get("date_range")),
		Country:            strings.TrimSpace(v.Get("country")),
		AffiliateCompanyID: strings.TrimSpace(v.Get("affiliate_company_id")),
		Status:             strings.TrimSpace(v.Get("status_c")),
	}
}

// pageFrom parses the page number; anything invalid is page 1.
func pageFrom(v url.Values) int {
	n, err := strconv.Atoi(v.Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// searchURL builds the dashboard URL for filter at page.
func searchURL(filter crm.Filter, page int) string {
	q := url.Values{}
	q.Set("search", "1")
	q.Set("date_range", filter.DateRange)
	q.Set("country", filter.Country)
	q.Set("affiliate_company_id", filter.AffiliateCompanyID)
	q.Set("status_c", filter.Status)
	q.Set("page", strconv.Itoa(page))
	return "/?" + q.Encode()
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.sessionMgr.IsAuthenticated() {
		if s.sessionMgr.PendingVerificationID() != "" {
			http.Redirect(w, r, "/verify", http.StatusSeeOther)
			return
		}
		redirectToLogin(w, r, false)
		return
	}

	q := r.URL.Query()
	page := dashboardPage{Filter: filterFrom(q)}

	if name := q.Get("list"); name != "" {
		count, _ := strconv.Atoi(q.Get("count"))
		page.Notice = fmt.Sprintf("Target list created successfully. Created \"%s\" with %d contacts", name, count)
	}

	search := q.Get("search") == "1" || q.Has("page")
	s.serveDashboard(w, r, http.StatusOK, &page, search, pageFrom(q))
}

func (s *Server) handleCreateTargetList(w http.ResponseWriter, r *http.Request) {
	if !s.sessionMgr.IsAuthenticated() {
		redirectToLogin(w, r, false)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid form submission")
		return
	}

	filter := filterFrom(r.PostForm)
	pageNo := pageFrom(r.PostForm)
	name := strings.TrimSpace(r.PostForm.Get("name"))
	contactIDs := r.PostForm["contact_id"]

	_, err := s.backend.CreateTargetList(r.Context(), name, contactIDs)
	if err == nil {
		target := searchURL(filter, pageNo) + "&" + url.Values{
			"list":  {name},
			"count": {strconv.Itoa(len(contactIDs))},
		}.Encode()
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	if s.sessionLost(err) {
		redirectToLogin(w, r, true)
		return
	}

	status, msg := userError(err, "Failed to create target list")
	if status == http.StatusBadGateway {
		slog.Error("failed to create target list", // #nosec G706 -- values sanitized via logsanitize
			"name", logsanitize.Sanitize(name),
			"error", err,
		)
	}

	page := dashboardPage{
		Filter: filter,
		Error:  "Failed to create target list: " + msg,
	}
	s.serveDashboard(w, r, status, &page, true, pageNo)
}

// serveDashboard loads dropdown options and, if search is set, one page of
// results, then renders the dashboard. The CRM calls run concurrently.
func (s *Server) serveDashboard(w http.ResponseWriter, r *http.Request, status int, page *dashboardPage, search bool, pageNo int) {
	ctx := r.Context()

	page.DateOptions = crm.DateRangeOptions
	page.StatusOptions = crm.StatusOptions
	page.User = userLabel(s.sessionMgr.Snapshot().User)

	var (
		g                        errgroup.Group
		affiliateErr, countryErr error
		results                  *crm.ResultsPage
		searchErr                error
	)

	g.Go(func() error {
		page.AffiliateOptions, affiliateErr = s.backend.FetchAffiliates(ctx)
		return s.fatal(affiliateErr)
	})
	g.Go(func() error {
		page.CountryOptions, countryErr = s.backend.FetchCountries(ctx)
		return s.fatal(countryErr)
	})
	if search {
		g.Go(func() error {
			results, searchErr = s.backend.FetchResults(ctx, page.Filter, pageNo)
			return s.fatal(searchErr)
		})
	}

	if err := g.Wait(); err != nil {
		redirectToLogin(w, r, true)
		return
	}

	if affiliateErr != nil {
		slog.Warn("failed to load affiliates", "error", affiliateErr)
		page.Warnings = append(page.Warnings, "Failed to load affiliates: "+errorMessage(affiliateErr))
	}
	if countryErr != nil {
		slog.Warn("failed to load countries", "error", countryErr)
		page.Warnings = append(page.Warnings, "Failed to load countries: "+errorMessage(countryErr))
	}

	if searchErr != nil {
		slog.Error("failed to fetch results", "error", searchErr)
		if page.Error == "" {
			page.Error = "Failed to fetch data: " + errorMessage(searchErr)
		}
		if status == http.StatusOK {
			status = http.StatusBadGateway
		}
	} else if results != nil {
		page.Searched = true
		page.Results = results
		page.ContactIDs = results.ContactIDs()
		page.CanCreateList = len(page.ContactIDs) > 0 && page.Filter.Active()
		if results.Page > 1 {
			page.PrevURL = searchURL(page.Filter, results.Page-1)
		}
		if results.Page < results.TotalPages {
			page.NextURL = searchURL(page.Filter, results.Page+1)
		}
	}

	s.render(w, status, "dashboard.html", page)
}

// fatal passes through errors that end the page: a lost session.
func (s *Server) fatal(err error) error {
	if err != nil && s.sessionLost(err) {
		return err
	}
	return nil
}

// errorMessage returns the part of err worth showing to the user.
func errorMessage(err error) string {
	if _, msg := userError(err, ""); msg != "" {
		return msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "an error occurred"
}

// userLabel picks a display name from the opaque user record.
func userLabel(u map[string]any) string {
	for _, key := range []string{"name", "full_name", "user_name", "email"} {
		if v, ok := u[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
