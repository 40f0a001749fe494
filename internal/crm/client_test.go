package crm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/al-bashkir/ccv-dashboard/internal/config"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
	"github.com/al-bashkir/ccv-dashboard/internal/store"
)

// fakeCRM records requests and serves canned JSON per path.
type fakeCRM struct {
	t        *testing.T
	handlers map[string]func(w http.ResponseWriter, r *http.Request, body map[string]any)
	calls    atomic.Int32
}

func newFakeCRM(t *testing.T) *fakeCRM {
	return &fakeCRM{t: t, handlers: make(map[string]func(http.ResponseWriter, *http.Request, map[string]any))}
}

func (f *fakeCRM) handle(path string, h func(w http.ResponseWriter, r *http.Request, body map[string]any)) {
	f.handlers[apiPrefix+path] = h
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)

	if r.Method != http.MethodPost {
		f.t.Errorf("unexpected method %s", r.Method)
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		f.t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if r.Header.Get("X-Request-ID") == "" {
		f.t.Error("missing X-Request-ID header")
	}

	h, ok := f.handlers[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	data, _ := io.ReadAll(r.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			f.t.Errorf("request body is not JSON: %v", err)
		}
	}
	h(w, r, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, crm *fakeCRM) (*Client, *session.Manager) {
	t.Helper()

	srv := httptest.NewServer(crm)
	t.Cleanup(srv.Close)

	mgr := session.NewManager(store.NewMemory())
	c := NewClient(config.CRMConfig{BaseURL: srv.URL + "/", Timeout: 5}, mgr)
	return c, mgr
}

func authenticate(t *testing.T, mgr *session.Manager, access string) {
	t.Helper()
	err := mgr.SetAuth(session.AuthPayload{AccessToken: access, RefreshToken: "refresh-1", User: session.User{"id": "1"}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoginStoresTokens(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/automation-login", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["email"] != "ana@example.com" || body["password"] != "secret" {
			t.Errorf("unexpected login body: %v", body)
		}
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("login should be anonymous, got Authorization %q", h)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"login":         true,
			"message":       "Login successful",
			"access_token":  "A",
			"refresh_token": "B",
			"expires_in":    3600,
			"user":          map[string]any{"id": "1"},
		})
	})

	c, mgr := newTestClient(t, crm)

	resp, err := c.Login(context.Background(), "ana@example.com", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if resp.NeedsVerification() {
		t.Error("expected no verification step")
	}

	snap := mgr.Snapshot()
	if snap.AccessToken != "A" || snap.RefreshToken != "B" || snap.ExpiresIn != 3600 {
		t.Errorf("unexpected session %+v", snap)
	}
	if snap.User.ID() != "1" {
		t.Errorf("user id = %q, want 1", snap.User.ID())
	}
}

func TestLoginRequiresVerification(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/automation-login", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{
			"login":                      true,
			"code_verification_required": true,
			"code_id":                    "code-9",
			"message":                    "Verification code sent",
		})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "previous")

	resp, err := c.Login(context.Background(), "ana@example.com", "secret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !resp.NeedsVerification() {
		t.Error("expected verification step")
	}
	if mgr.PendingVerificationID() != "code-9" {
		t.Errorf("PendingVerificationID = %q, want code-9", mgr.PendingVerificationID())
	}
	if mgr.IsAuthenticated() {
		t.Error("pending verification must not keep an access token")
	}
}

func TestLoginRejected(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/automation-login", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{"login": false, "message": "Invalid credentials"})
	})

	c, mgr := newTestClient(t, crm)

	_, err := c.Login(context.Background(), "ana@example.com", "wrong")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Message != "Invalid credentials" {
		t.Errorf("Message = %q, want 'Invalid credentials'", apiErr.Message)
	}
	if mgr.IsAuthenticated() {
		t.Error("rejected login must not authenticate")
	}
}

func TestLoginValidation(t *testing.T) {
	crm := newFakeCRM(t)
	c, _ := newTestClient(t, crm)

	_, err := c.Login(context.Background(), "ana@example.com", "")

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if _, ok := vErr.Fields["password"]; !ok {
		t.Errorf("expected password field error, got %v", vErr.Fields)
	}
	if crm.calls.Load() != 0 {
		t.Error("validation failure must not reach the network")
	}
}

func TestVerifyCode(t *testing.T) {
	tests := []struct {
		name       string
		pending    string
		code       string
		response   map[string]any
		wantErr    func(error) bool
		wantAuth   bool
		wantCalled bool
	}{
		{
			name:    "no pending verification",
			code:    "123456",
			wantErr: func(err error) bool { return errors.Is(err, ErrNoPendingVerification) },
		},
		{
			name:    "short code",
			pending: "code-1",
			code:    "123",
			wantErr: func(err error) bool {
				var v *ValidationError
				return errors.As(err, &v)
			},
		},
		{
			name:       "verified",
			pending:    "code-1",
			code:       "123456",
			response:   map[string]any{"verified": true, "access_token": "A", "refresh_token": "B", "expires_in": 60},
			wantAuth:   true,
			wantCalled: true,
		},
		{
			name:     "rejected code",
			pending:  "code-1",
			code:     "000000",
			response: map[string]any{"verified": false, "message": "Wrong code"},
			wantErr: func(err error) bool {
				var a *APIError
				return errors.As(err, &a) && a.Message == "Wrong code"
			},
			wantCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := newFakeCRM(t)
			crm.handle("/portal/verify-automation-code", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
				if body["code_id"] != tt.pending || body["code"] != tt.code {
					t.Errorf("unexpected verify body: %v", body)
				}
				writeJSON(w, http.StatusOK, tt.response)
			})

			c, mgr := newTestClient(t, crm)
			if tt.pending != "" {
				if err := mgr.SetPendingVerification(tt.pending); err != nil {
					t.Fatal(err)
				}
			}

			_, err := c.VerifyCode(context.Background(), tt.code)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Errorf("unexpected error: %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if mgr.IsAuthenticated() != tt.wantAuth {
				t.Errorf("IsAuthenticated = %v, want %v", mgr.IsAuthenticated(), tt.wantAuth)
			}
			if tt.wantAuth && mgr.PendingVerificationID() != "" {
				t.Error("pending verification should be cleared after success")
			}
			if called := crm.calls.Load() > 0; called != tt.wantCalled {
				t.Errorf("network called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response map[string]any
		want     bool
	}{
		{name: "valid", status: http.StatusOK, response: map[string]any{"success": true}, want: true},
		{name: "valid with status", status: http.StatusOK, response: map[string]any{"success": true, "status": true}, want: true},
		{name: "status false", status: http.StatusOK, response: map[string]any{"success": true, "status": false}, want: false},
		{name: "success false", status: http.StatusOK, response: map[string]any{"success": false}, want: false},
		{name: "missing success", status: http.StatusOK, response: map[string]any{}, want: false},
		{name: "server rejects", status: http.StatusUnauthorized, response: map[string]any{"message": "expired"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := newFakeCRM(t)
			crm.handle("/portal/validate-token", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
				if h := r.Header.Get("Authorization"); h != "Bearer A" {
					t.Errorf("Authorization = %q, want 'Bearer A'", h)
				}
				if body["access_token"] != "A" {
					t.Errorf("access_token = %v, want A", body["access_token"])
				}
				writeJSON(w, tt.status, tt.response)
			})
			crm.handle("/portal/refresh-token", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
				t.Error("validation must not trigger a refresh")
			})

			c, mgr := newTestClient(t, crm)
			authenticate(t, mgr, "A")

			got, _ := c.ValidateToken(context.Background())
			if got != tt.want {
				t.Errorf("ValidateToken = %v, want %v", got, tt.want)
			}
			if !mgr.IsAuthenticated() {
				t.Error("ValidateToken must not change the session")
			}
		})
	}
}

func TestValidateTokenAnonymous(t *testing.T) {
	crm := newFakeCRM(t)
	c, _ := newTestClient(t, crm)

	ok, err := c.ValidateToken(context.Background())
	if ok || !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("ValidateToken = (%v, %v), want (false, ErrNotAuthenticated)", ok, err)
	}
}

func TestFetchResults(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		want := map[string]any{
			"filter_parts": map[string]any{
				"date_range":           "last_7_days",
				"country":              "Spain",
				"affiliate_company_id": "",
				"status_c":             "",
			},
			"page_no":  float64(1),
			"order_by": "contacts.date_entered DESC",
		}
		if !reflect.DeepEqual(body, want) {
			t.Errorf("request body = %v, want %v", body, want)
		}
		if h := r.Header.Get("Authorization"); h != "Bearer A" {
			t.Errorf("Authorization = %q, want 'Bearer A'", h)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"attributes": map[string]any{"contact_id": "c1", "first_name": "Ana", "last_name": "Diaz", "luhn_test_actual": "Pass"}},
				{"attributes": map[string]any{"contact_id": "c2", "customer_name": "Bo Li", "affiliate_company_id": nil}},
			},
			"meta": map[string]any{"total-pages": 4, "records-on-this-page": 2},
		})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	page, err := c.FetchResults(context.Background(), Filter{DateRange: "last_7_days", Country: "Spain"}, 0)
	if err != nil {
		t.Fatalf("FetchResults failed: %v", err)
	}

	if page.Page != 1 || page.TotalPages != 4 || page.RecordsOnPage != 2 {
		t.Errorf("unexpected paging %+v", page)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(page.Records))
	}
	if page.Records[0].DisplayName() != "Ana Diaz" || page.Records[1].DisplayName() != "Bo Li" {
		t.Errorf("display names = %q, %q", page.Records[0].DisplayName(), page.Records[1].DisplayName())
	}
	if ids := page.ContactIDs(); !reflect.DeepEqual(ids, []string{"c1", "c2"}) {
		t.Errorf("ContactIDs = %v", ids)
	}
}

func TestFetchResultsMissingMeta(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	page, err := c.FetchResults(context.Background(), Filter{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if page.Page != 3 || page.TotalPages != 1 || page.RecordsOnPage != 0 || len(page.Records) != 0 {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestFetchResultsRefreshesOnUnauthorized(t *testing.T) {
	var refreshes atomic.Int32

	crm := newFakeCRM(t)
	crm.handle("/portal/refresh-token", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		refreshes.Add(1)
		if body["refresh_token"] != "refresh-1" {
			t.Errorf("refresh_token = %v, want refresh-1", body["refresh_token"])
		}
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("refresh should not carry a bearer token, got %q", h)
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new", "refresh_token": "refresh-2", "expires_in": 60})
	})
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if r.Header.Get("Authorization") != "Bearer new" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
			return
		}
		if body["page_no"] != float64(2) {
			t.Errorf("replayed body lost page_no: %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}, "meta": map[string]any{"total-pages": 2}})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "old")

	page, err := c.FetchResults(context.Background(), Filter{}, 2)
	if err != nil {
		t.Fatalf("FetchResults failed: %v", err)
	}
	if page.TotalPages != 2 {
		t.Errorf("TotalPages = %d, want 2", page.TotalPages)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}

	snap := mgr.Snapshot()
	if snap.AccessToken != "new" || snap.RefreshToken != "refresh-2" {
		t.Errorf("session not updated: %+v", snap)
	}
	if snap.User.ID() != "1" {
		t.Error("user should survive refresh")
	}
}

func TestFetchResultsRefreshFailure(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/refresh-token", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "refresh token expired"})
	})
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "old")

	_, err := c.FetchResults(context.Background(), Filter{}, 1)
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if mgr.IsAuthenticated() {
		t.Error("session should be cleared after failed refresh")
	}
}

func TestFetchResultsRejectedAfterRefresh(t *testing.T) {
	var refreshes, rejected atomic.Int32

	crm := newFakeCRM(t)
	crm.handle("/portal/refresh-token", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		refreshes.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new", "refresh_token": "refresh-2"})
	})
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		rejected.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized"})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "old")

	_, err := c.FetchResults(context.Background(), Filter{}, 1)
	if !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes.Load())
	}
	if rejected.Load() != 2 {
		t.Errorf("results requests = %d, want 2", rejected.Load())
	}
	if mgr.IsAuthenticated() {
		t.Error("session rejected after refresh should be cleared")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/customer/get-credit-card-validation-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "database unavailable"})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	_, err := c.FetchResults(context.Background(), Filter{}, 1)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "database unavailable" {
		t.Errorf("unexpected APIError %+v", apiErr)
	}
}

func TestCreateTargetList(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/customer/create-target-list-from-contacts", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		want := map[string]any{
			"data": map[string]any{
				"targetlist_name": "Spain leads",
				"contact_ids":     []any{"c1", "c2"},
			},
		}
		if !reflect.DeepEqual(body, want) {
			t.Errorf("request body = %v, want %v", body, want)
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "created"})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	resp, err := c.CreateTargetList(context.Background(), "  Spain leads ", []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("CreateTargetList failed: %v", err)
	}
	if resp.Message != "created" {
		t.Errorf("Message = %q, want created", resp.Message)
	}
}

func TestCreateTargetListValidation(t *testing.T) {
	tests := []struct {
		name      string
		listName  string
		ids       []string
		wantField string
	}{
		{name: "blank name", listName: "   ", ids: []string{"c1"}, wantField: "targetlist_name"},
		{name: "no contacts", listName: "List", ids: nil, wantField: "contact_ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crm := newFakeCRM(t)
			c, mgr := newTestClient(t, crm)
			authenticate(t, mgr, "A")

			_, err := c.CreateTargetList(context.Background(), tt.listName, tt.ids)

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if _, ok := vErr.Fields[tt.wantField]; !ok {
				t.Errorf("expected %s field error, got %v", tt.wantField, vErr.Fields)
			}
			if crm.calls.Load() != 0 {
				t.Error("validation failure must not reach the network")
			}
		})
	}
}

func TestFetchCountries(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/dashboard/get-dashboard-data", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{
			"top_10_countries": []map[string]any{
				{"country_name": " Spain "},
				{"country_name": "France"},
				{"country_name": "Spain"},
				{"country_name": "  "},
			},
		})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	got, err := c.FetchCountries(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []Option{{Value: "Spain", Label: "Spain"}, {Value: "France", Label: "France"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FetchCountries = %v, want %v", got, want)
	}
}

func TestFetchAffiliates(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/fetch-affiliates", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if len(body) != 0 {
			t.Errorf("expected empty body, got %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"affiliate_companies": []map[string]any{
				{"id": "a1", "name": "Acme"},
				{"id": "a2", "name": "Globex"},
			},
		})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	got, err := c.FetchAffiliates(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []Option{{Value: "a1", Label: "Acme"}, {Value: "a2", Label: "Globex"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FetchAffiliates = %v, want %v", got, want)
	}
	if Label(got, "a2") != "Globex" || Label(got, "zz") != "zz" {
		t.Error("Label lookup mismatch")
	}
}

func TestFetchAffiliatesMissing(t *testing.T) {
	crm := newFakeCRM(t)
	crm.handle("/portal/fetch-affiliates", func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	c, mgr := newTestClient(t, crm)
	authenticate(t, mgr, "A")

	if _, err := c.FetchAffiliates(context.Background()); err == nil {
		t.Error("expected error when no affiliate companies are returned")
	}
}

func TestStatusOptionsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, o := range StatusOptions {
		if seen[o.Value] {
			t.Errorf("duplicate status %s", o.Value)
		}
		seen[o.Value] = true
	}
	if Label(StatusOptions, "sent_to_payment") != "Submitted 4 Payment to PP" {
		t.Error("unexpected label for sent_to_payment")
	}
}
