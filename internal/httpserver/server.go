package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/al-bashkir/ccv-dashboard/internal/config"
	"github.com/al-bashkir/ccv-dashboard/internal/crm"
	"github.com/al-bashkir/ccv-dashboard/internal/metrics"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Version is reported by the health endpoint. Set by the binary at startup.
var Version = "dev"

// Backend is the CRM surface the dashboard needs. *crm.Client implements it.
type Backend interface {
	Login(ctx context.Context, email, password string) (*crm.LoginResponse, error)
	VerifyCode(ctx context.Context, code string) (*crm.VerifyResponse, error)
	Logout() error
	FetchResults(ctx context.Context, filter crm.Filter, page int) (*crm.ResultsPage, error)
	CreateTargetList(ctx context.Context, name string, contactIDs []string) (*crm.TargetListResponse, error)
	FetchAffiliates(ctx context.Context) ([]crm.Option, error)
	FetchCountries(ctx context.Context) ([]crm.Option, error)
}

var _ Backend = (*crm.Client)(nil)

// Server is the HTTP server for the dashboard pages and health checks
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	backend    Backend
	sessionMgr *session.Manager
	limiter    *IPRateLimiter

	// notice is shown once on the next login page render.
	noticeMu sync.Mutex
	notice   string

	unsubscribe func()
	stopWatch   chan struct{}
	stopOnce    sync.Once
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, backend Backend, sessionMgr *session.Manager) (*Server, error) {
	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		templates:  templates,
		backend:    backend,
		sessionMgr: sessionMgr,
		limiter:    NewIPRateLimiter(10, 50), // 10 requests per second per IP, burst of 50
		stopWatch:  make(chan struct{}),
	}

	// Register routes
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Get().Handler())
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("GET /verify", s.handleVerifyPage)
	s.mux.HandleFunc("POST /verify", s.handleVerify)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("POST /target-lists", s.handleCreateTargetList)

	// Wrap with middleware
	var handler http.Handler = s.mux
	if sessionMgr != nil {
		handler = sessionReloadMiddleware(sessionMgr, handler)
	}
	handler = loggingMiddleware(handler)
	handler = crossOriginProtection(handler)
	handler = recoveryMiddleware(handler)
	handler = rateLimitMiddleware(s.limiter, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Duration(cfg.CRM.Timeout)*time.Second + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	if sessionMgr != nil {
		events, unsubscribe := sessionMgr.Subscribe()
		s.unsubscribe = unsubscribe
		go s.watchSessionExpiry(events)
	}

	return s, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")

	s.stopOnce.Do(func() {
		close(s.stopWatch)
		s.limiter.Stop()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})

	return s.httpServer.Shutdown(ctx)
}

// watchSessionExpiry turns session-expired events into a login page notice.
func (s *Server) watchSessionExpiry(events <-chan struct{}) {
	for {
		select {
		case <-events:
			slog.Info("session expired, login required")
			s.setNotice(sessionExpiredNotice)
		case <-s.stopWatch:
			return
		}
	}
}

func (s *Server) setNotice(msg string) {
	s.noticeMu.Lock()
	s.notice = msg
	s.noticeMu.Unlock()
}

// takeNotice returns the pending notice and clears it.
func (s *Server) takeNotice() string {
	s.noticeMu.Lock()
	defer s.noticeMu.Unlock()
	msg := s.notice
	s.notice = ""
	return msg
}
