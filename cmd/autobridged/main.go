// Command autobridged runs the automation bridge: a WebSocket broker that
// multiplexes request/response and notification traffic between a singleton
// automation service and a pool of automation schedulers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/autobridge/autobridge/broker"
	"github.com/autobridge/autobridge/internal/logctx"
	"github.com/autobridge/autobridge/internal/metrics"
	"github.com/autobridge/autobridge/registry"
	"github.com/autobridge/autobridge/router"
	"github.com/autobridge/autobridge/security"
	"github.com/autobridge/autobridge/wstransport"
)

const version = "1.0.0"

type config struct {
	ListenAddr string `env:"BRIDGE_LISTEN_ADDR,default=:9090"`
	WSPath     string `env:"BRIDGE_WS_PATH,default=/ws"`

	TLSCertFile string `env:"BRIDGE_TLS_CERT"`
	TLSKeyFile  string `env:"BRIDGE_TLS_KEY"`

	JWTSecret      string `env:"BRIDGE_JWT_SECRET"`
	JWTExpiryMS    int64  `env:"BRIDGE_JWT_EXPIRATION_MS,default=3600000"`
	AllowedIPs     string `env:"BRIDGE_ALLOWED_IPS"`
	RequireAuth    bool   `env:"BRIDGE_REQUIRE_AUTH,default=true"`
	RateLimitReqs  int    `env:"BRIDGE_RATE_LIMIT_REQUESTS,default=100"`
	RateLimitSecs  int    `env:"BRIDGE_RATE_LIMIT_WINDOW_SECONDS,default=60"`
	SessionTTLSecs int    `env:"BRIDGE_SESSION_TTL_SECONDS,default=3600"`

	CleanupInterval time.Duration `env:"BRIDGE_CLEANUP_INTERVAL,default=5m"`
	IdleTimeout     time.Duration `env:"BRIDGE_IDLE_TIMEOUT,default=10m"`
	LogLevel        string        `env:"BRIDGE_LOG_LEVEL,default=info"`
}

func (c config) allowedIPs() []string {
	if strings.TrimSpace(c.AllowedIPs) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedIPs, ",")
	rules := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, p)
		}
	}
	return rules
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "autobridged:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting automation bridge",
		slog.String("version", version),
		slog.String("listen_addr", cfg.ListenAddr))

	gate := security.NewGate(security.Config{
		JWTSecret:         cfg.JWTSecret,
		TokenTTL:          time.Duration(cfg.JWTExpiryMS) * time.Millisecond,
		AllowedIPs:        cfg.allowedIPs(),
		RequireAuth:       cfg.RequireAuth,
		RateLimitRequests: cfg.RateLimitReqs,
		RateLimitWindow:   time.Duration(cfg.RateLimitSecs) * time.Second,
		SessionTTL:        time.Duration(cfg.SessionTTLSecs) * time.Second,
	}, log)

	reg := registry.New(log)
	reg.AddListener(metrics.ConnectionGauge{})

	rt := router.New(reg, gate, version, log)
	handler := broker.NewHandler(reg, gate, rt, log)

	opts := []wstransport.Option{
		wstransport.WithPath(cfg.WSPath),
		wstransport.WithIdleTimeout(cfg.IdleTimeout),
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		opts = append(opts, wstransport.WithTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
	}
	srv := wstransport.New(cfg.ListenAddr, handler, log, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, gate, cfg.CleanupInterval, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// cleanupLoop periodically sweeps expired sessions and prunes idle rate
// limiter state so long-lived processes do not accumulate dead entries.
func cleanupLoop(ctx context.Context, gate *security.Gate, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := gate.CleanupExpired(); n > 0 {
				log.Info("expired sessions cleaned up", slog.Int("count", n))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}
