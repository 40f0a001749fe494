// Package daemon orchestrates all the components of the dashboard daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/al-bashkir/ccv-dashboard/internal/config"
	"github.com/al-bashkir/ccv-dashboard/internal/crm"
	"github.com/al-bashkir/ccv-dashboard/internal/httpserver"
	"github.com/al-bashkir/ccv-dashboard/internal/session"
	"github.com/al-bashkir/ccv-dashboard/internal/store"
)

// Options tweak how the daemon is assembled.
type Options struct {
	// Ephemeral keeps the session in memory only; nothing is read from or
	// written to the configured store path.
	Ephemeral bool
}

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	sessionMgr *session.Manager
	client     *crm.Client
	httpServer *httpserver.Server

	// retryInterval is the first pause between startup validation attempts.
	retryInterval time.Duration
}

// OpenSession opens the configured store and restores any persisted session
// from it. CLI commands use it to share the session with a running daemon.
func OpenSession(cfg *config.Config, ephemeral bool) (*session.Manager, error) {
	var st store.Store
	if ephemeral {
		st = store.NewMemory()
	} else {
		fs, err := store.OpenFile(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		st = fs
	}

	mgr := session.NewManager(st)
	if err := mgr.Restore(); err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	return mgr, nil
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	sessionMgr, err := OpenSession(cfg, opts.Ephemeral)
	if err != nil {
		return nil, err
	}

	slog.Info("session store opened",
		"path", cfg.Store.Path,
		"ephemeral", opts.Ephemeral,
		"authenticated", sessionMgr.IsAuthenticated(),
	)

	client := crm.NewClient(cfg.CRM, sessionMgr)

	slog.Info("CRM client initialized",
		"base_url", cfg.CRM.BaseURL,
		"timeout", time.Duration(cfg.CRM.Timeout)*time.Second,
	)

	httpServer, err := httpserver.NewServer(cfg, client, sessionMgr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	return &Daemon{
		cfg:        cfg,
		sessionMgr: sessionMgr,
		client:     client,
		httpServer: httpServer,

		retryInterval: time.Second,
	}, nil
}

// Run validates any restored session, starts the HTTP server and blocks
// until a shutdown signal is received.
func (d *Daemon) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return d.run(sigCh)
}

func (d *Daemon) run(sigCh <-chan os.Signal) error {
	slog.Info("starting CCV dashboard daemon")

	timeout := time.Duration(d.cfg.CRM.Timeout*d.cfg.Auth.ValidateAttempts) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	d.validateSession(ctx)
	cancel()

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			_ = d.httpServer.Shutdown(context.Background())
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	slog.Info("daemon shutdown complete")
	return nil
}

// validateSession checks a restored session against the CRM. A rejected
// session is cleared, after one refresh attempt if auth.refresh_on_invalid
// is set. Network failures and 5xx replies are retried with backoff; if the
// CRM stays unreachable the session is kept.
func (d *Daemon) validateSession(ctx context.Context) {
	if !d.cfg.Auth.ValidateOnStartup || !d.sessionMgr.IsAuthenticated() {
		return
	}

	valid, err := d.validateWithRetry(ctx)
	var apiErr *crm.APIError
	switch {
	case err != nil && (!errors.As(err, &apiErr) || apiErr.StatusCode >= http.StatusInternalServerError):
		slog.Warn("could not validate restored session, keeping it", "error", err)
		return
	case err != nil:
		slog.Warn("restored session rejected by CRM", "status", apiErr.StatusCode)
	case valid:
		slog.Info("restored session is valid")
		return
	}

	if d.cfg.Auth.RefreshOnInvalid {
		if _, err := d.sessionMgr.Refresh(ctx); err == nil {
			slog.Info("restored session refreshed after failed validation")
			return
		} else if !d.sessionMgr.IsAuthenticated() {
			slog.Warn("refresh after failed validation was rejected", "error", err)
			return
		}
	}

	if err := d.sessionMgr.Expire("restored session rejected by CRM"); err != nil {
		slog.Error("failed to clear rejected session", "error", err)
	}
}

func (d *Daemon) validateWithRetry(ctx context.Context) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	b.MaxInterval = 10 * d.retryInterval

	return backoff.Retry(ctx, func() (bool, error) {
		valid, err := d.client.ValidateToken(ctx)
		var apiErr *crm.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
			return false, backoff.Permanent(err)
		}
		return valid, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.Auth.ValidateAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("session validation failed, retrying", "error", err, "retry_in", next)
		}),
	)
}
