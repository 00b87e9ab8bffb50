package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openclaw/core/pkg/api"
	"github.com/openclaw/core/pkg/approval"
	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/collector"
	"github.com/openclaw/core/pkg/config"
	"github.com/openclaw/core/pkg/dispatch"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/oauth"
	"github.com/openclaw/core/pkg/observability"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/store"
	"github.com/openclaw/core/pkg/vault"
)

const version = "v0.3.0"

// expirySweepInterval drives the background pass that lapses stale
// pending approvals.
const expirySweepInterval = 15 * time.Minute

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "openclaw %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "OpenClaw central process")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: openclaw <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the API server (default)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
}

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()

	cfg := config.Load()
	if code := os.Getenv("PROFILE"); code != "" {
		dir := os.Getenv("PROFILE_DIR")
		if dir == "" {
			dir = "config"
		}
		profile, err := config.LoadProfile(dir, code)
		if err != nil {
			fmt.Fprintf(stderr, "Load profile %q: %v\n", code, err)
			return 1
		}
		profile.Apply(cfg)
		log.Printf("[openclaw] profile: %s", profile.Code)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Open store: %v\n", err)
		return 1
	}
	defer st.Close()
	log.Printf("[openclaw] store: %s ready", cfg.DatabaseDriver)

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Open vault backend: %v\n", err)
		return 1
	}
	v := vault.New(blobs)
	log.Printf("[openclaw] vault: %s ready", cfg.VaultBackend)

	reg := registry.New(cfg.TenantFile)
	keys := keystore.NewStore(cfg.KeyFile)
	auditLog := audit.NewLogger()

	col := collector.New(reg, keys, v, st, auditLog, collector.WithLogger(logger))
	disp := dispatch.New(dispatch.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		TLS:      cfg.SMTPTLS,
	}, st, reg, auditLog, dispatch.WithLogger(logger))
	apr := approval.New(st, auditLog,
		approval.WithLogger(logger),
		approval.WithDispatcher(disp))
	oa := oauth.New(st, keys, auditLog, oauth.WithLogger(logger))
	log.Printf("[openclaw] services: ready")

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithRateLimiter(api.NewGlobalRateLimiter(20, 40)),
		api.WithIdempotencyStore(api.NewIdempotencyStore(24 * time.Hour)),
	}
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Environment = cfg.Environment
		obsCfg.Insecure = cfg.Environment == "development"
		telemetry, err := observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(stderr, "Init telemetry: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(shutdownCtx)
		}()
		opts = append(opts, api.WithTelemetry(telemetry))
		log.Printf("[openclaw] telemetry: %s", cfg.OTLPEndpoint)
	}
	if cfg.ApproverSecret != "" {
		opts = append(opts, api.WithApproverSecret(cfg.ApproverSecret))
		log.Printf("[openclaw] approver auth: enabled")
	}
	srv := api.NewServer(api.Deps{
		Registry:   reg,
		Keys:       keys,
		Vault:      v,
		Store:      st,
		Collector:  col,
		Approvals:  apr,
		Dispatcher: disp,
		OAuth:      oa,
	}, opts...)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runExpirySweeper(sweepCtx, apr, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[openclaw] ready: http://localhost:%s", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Server failed: %v\n", err)
			return 1
		}
	case sig := <-sigCh:
		log.Printf("[openclaw] shutting down (%s)", sig)
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "Shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}

// runExpirySweeper lapses TTL-expired pending approvals so they never
// linger dispatchable between list calls.
func runExpirySweeper(ctx context.Context, apr *approval.Service, logger *slog.Logger) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := apr.ExpireDue(ctx)
			if err != nil {
				logger.Error("approval expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("approvals expired", "count", n)
			}
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.DatabaseDriver {
	case "sqlite", "":
		return store.OpenSQLite(cfg.DatabaseURL)
	case "postgres":
		return store.OpenPostgres(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (vault.BlobStore, error) {
	switch cfg.VaultBackend {
	case "local", "":
		return vault.NewLocalStore(cfg.VaultRoot), nil
	case "s3":
		return vault.NewS3Store(ctx, vault.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "gcs":
		blobs, err := vault.NewGCSStore(ctx, vault.GCSConfig{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, err
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.VaultBackend)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
