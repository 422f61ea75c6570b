package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"squadgoo.org/internal/governance"
	"squadgoo.org/internal/httpapi"
	"squadgoo.org/internal/identity"
	"squadgoo.org/internal/obs"
	"squadgoo.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := envOr("GOVERNANCE_ADDR", ":8080")
	sweepInterval := envDuration("GOVERNANCE_SWEEP_INTERVAL", governance.DefaultSweepInterval)
	rateBurst := envInt("GOVERNANCE_RATE_BURST", 20)
	ratePerSec := envInt("GOVERNANCE_RATE_PER_SEC", 10)

	var (
		store   governance.Store
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if dsn := os.Getenv("GOVERNANCE_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			obs.LogEvent("startup", "fatal", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		obs.LogEvent("startup", "info", map[string]any{"store": "postgres"})
	} else {
		store = governance.NewMemory()
		obs.LogEvent("startup", "info", map[string]any{"store": "memory"})
	}

	notifier := func(ctx context.Context, userID, message string) error {
		obs.LogEvent("notification", "info", map[string]any{
			"user_id": userID,
			"message": message,
		})
		return nil
	}

	svc := governance.New(store,
		governance.WithAuthorizer(identity.NewRoleAuthorizer(identity.DefaultRoleGrants())),
		governance.WithNotifier(notifier),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := governance.NewSweeper(svc, sweepInterval)
	go sweeper.Run(ctx)

	api := httpapi.New(probe, version, svc)
	api.SetRateLimit(rateBurst, ratePerSec)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		obs.LogEvent("startup", "info", map[string]any{"addr": addr, "version": version})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		obs.LogEvent("shutdown", "info", map[string]any{"reason": "signal"})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.LogEvent("shutdown", "fatal", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.LogEvent("shutdown", "error", map[string]any{"error": err.Error()})
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(2)
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(2)
	}
	return d
}
