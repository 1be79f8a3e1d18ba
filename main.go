package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cgm616/pupil/internal/auth"
	"github.com/cgm616/pupil/internal/config"
	"github.com/cgm616/pupil/internal/mail"
	"github.com/cgm616/pupil/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cleanupInterval is how often expired confirmation and reset links are purged.
const cleanupInterval = time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Config may not have loaded, so this goes through the default logger.
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// setupLogging installs a JSON slog handler at the configured level.
// Source locations are included at debug level only.
func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))
}

// migrate applies the embedded migrations.
func migrate(ctx context.Context, ps *store.PostgresStore) error {
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// mailQueueKey derives the key that seals links on the mail queue from the
// session secret, so no extra secret has to be configured.
func mailQueueKey(jwtSecret string) []byte {
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	mac.Write([]byte("pupil mail queue"))
	return mac.Sum(nil)
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// If ml is non-nil it replaces SMTP delivery and the Redis mail queue.
func run(ctx context.Context, cfg *config.Config, ready chan<- string, ml mail.Mailer) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DBAcquireTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	if err := migrate(ctx, ps); err != nil {
		return err
	}

	health := []auth.HealthCheck{{Name: "postgres", Check: ps.Ping}}

	// Redis is optional; when configured it backs the mail queue and rate limiting.
	var rdb *redis.Client
	var limiter auth.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()

		limiter = store.NewRedisRateLimiter(rdb)
		health = append(health, auth.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		slog.Warn("redis not configured: rate limiting disabled, mail sent synchronously")
	}

	if ml == nil {
		smtpMailer := mail.NewSMTPMailer(mail.SMTPConfig{
			Host:           cfg.SMTPHost,
			Port:           cfg.SMTPPort,
			Username:       cfg.SMTPUsername,
			Password:       cfg.SMTPPassword,
			FromAddress:    cfg.SMTPFrom,
			ConfirmURLBase: cfg.ConfirmURLBase,
			ResetURLBase:   cfg.ResetURLBase,
		})
		ml = smtpMailer

		// With Redis configured, mail goes through the queue and a background worker.
		if rdb != nil {
			qm, err := mail.NewQueuedMailer(smtpMailer, rdb, mail.DefaultMaxQueueSize, mailQueueKey(cfg.JWTSecret))
			if err != nil {
				return fmt.Errorf("failed to set up mail queue: %w", err)
			}
			workerCtx, cancelWorker := context.WithCancel(ctx)
			defer cancelWorker()
			go qm.StartWorker(workerCtx)

			ml = qm
		}
	}

	params := auth.DefaultArgonParams
	params.Time = cfg.HashTime
	params.MemoryKiB = cfg.HashMemoryKiB
	params.Threads = cfg.HashThreads
	hasher, err := auth.NewHasher([]byte(cfg.HashSecret), params)
	if err != nil {
		return fmt.Errorf("failed to set up password hasher: %w", err)
	}

	codec, err := auth.NewSessionCodec([]byte(cfg.JWTSecret), auth.SessionIssuer, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to set up session codec: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc, err := auth.NewService(auth.ServiceDeps{
		Store:           ps,
		Mailer:          ml,
		Hasher:          hasher,
		Codec:           codec,
		Logger:          slog.Default(),
		Metrics:         auth.NewMetrics(reg),
		ConfirmationTTL: cfg.ConfirmationTTL,
		ResetTTL:        cfg.ResetTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to set up auth service: %w", err)
	}

	h := &auth.AuthHandler{Svc: svc, CookieSecure: cfg.CookieSecure, Health: health, RL: limiter}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Link cleanup goroutine; drops confirmation and reset links past their TTL.
	// Cancelled via cleanupCtx when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				n, err := ps.CleanupExpiredConfirmations(cleanupCtx,
					now.Add(-cfg.ConfirmationTTL), now.Add(-cfg.ResetTTL))
				if err != nil {
					slog.Warn("link cleanup failed", "error", err)
				} else {
					slog.Info("link cleanup complete", "deleted", n)
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("pupil listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight requests get 30s to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/", h.Home)
	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Post("/login", h.Login)
	r.Post("/register", h.Register)
	r.Get("/logout", h.Logout)
	r.Get("/confirm", h.ConfirmPending)
	r.Get("/confirm/{key}", h.Confirm)
	r.Post("/confirm/resend", h.ResendConfirmation)
	r.Post("/password/reset", h.PasswordReset)
	r.Post("/password/confirm", h.PasswordConfirm)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)
		r.Get("/session", h.Session)
	})

	// Pages that send a browser without a session back home
	r.Group(func(r chi.Router) {
		r.Use(h.RedirectWithoutSession)
		r.Get("/dash", h.Dashboard)
	})

	return r
}
