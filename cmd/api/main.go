package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signflow/app"
	"signflow/auth"
	"signflow/bulk"
	"signflow/config"
	"signflow/expiration"
	"signflow/fields"
	"signflow/httpapi"
	"signflow/lifecycle"
	"signflow/signing"
	"signflow/totp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := checkConfig(cfg); err != nil {
		return err
	}

	log := app.NewLogger(slog.LevelInfo)
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap storage: %w", err)
	}
	defer deps.Close()

	server := newServer(cfg, deps, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go pruneLimiters(ctx, server, cfg.RateLimit.Window)

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", slog.String("addr", cfg.HTTP.Addr), slog.String("store", cfg.Database.Store))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// checkConfig reports every configuration violation at once.
func checkConfig(cfg config.Config) error {
	violations := cfg.Validate()
	if cfg.HTTP.JWTSecret == "" {
		violations = append(violations, "http.jwt_secret: required by the api")
	}
	if len(violations) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(violations, "\n  "))
}

func newServer(cfg config.Config, deps *app.Deps, log *slog.Logger) *httpapi.Server {
	var verifier totp.Verifier
	if cfg.TOTP.BaseURL != "" {
		verifier = totp.New(cfg.TOTP.BaseURL, cfg.TOTP.Timeout)
	}

	life := lifecycle.NewManager(deps.Store, deps.Audit, deps.Notifier, cfg, log)
	exp := expiration.NewManager(deps.Store, deps.Audit, deps.Notifier, cfg, log)
	svc := httpapi.Services{
		Requests:   life,
		Signing:    signing.NewCoordinator(deps.Store, deps.Audit, deps.Notifier, verifier, log),
		Expiration: exp,
		Bulk:       bulk.NewCoordinator(deps.Store, life, exp, deps.Audit, deps.Notifier, cfg.Limits, log),
		Fields:     fields.NewManager(deps.Store, deps.Audit, log),
	}
	return httpapi.NewServer(svc, auth.NewTokenService(cfg.HTTP.JWTSecret), cfg.RateLimit, log)
}

func pruneLimiters(ctx context.Context, server *httpapi.Server, window time.Duration) {
	idle := max(10*window, time.Minute)
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.PruneLimiters(idle)
		}
	}
}
