package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/core/pkg/config"
	"github.com/openclaw/core/pkg/gateway"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.LoadGateway()

	fs := flag.NewFlagSet("openclaw-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.StringVar(&cfg.StartupID, "startup-id", cfg.StartupID, "Startup identifier served by this agent")
	fs.StringVar(&cfg.FolderAlias, "alias", cfg.FolderAlias, "Folder alias exposed over the wire")
	fs.StringVar(&cfg.FolderRoot, "root", cfg.FolderRoot, "Absolute path of the shared folder")
	fs.IntVar(&cfg.MaxArtifacts, "max-artifacts", cfg.MaxArtifacts, "Manifest entry cap")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if cfg.StartupID == "" || cfg.FolderRoot == "" || cfg.SharedSecret == "" {
		fmt.Fprintln(stderr, "Error: GATEWAY_STARTUP_ID, GATEWAY_FOLDER_ROOT, and GATEWAY_SECRET are required")
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stdout, nil))
	slog.SetDefault(logger)

	var limiter gateway.Limiter
	if addr := os.Getenv("GATEWAY_REDIS_ADDR"); addr != "" {
		limiter = gateway.NewRedisLimiter(addr,
			os.Getenv("GATEWAY_REDIS_PASSWORD"), 0,
			cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Printf("[gateway] limiter: redis %s", addr)
	} else {
		limiter = gateway.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Printf("[gateway] limiter: local")
	}

	srv := gateway.NewServer(gateway.Config{
		StartupID:    cfg.StartupID,
		Folders:      map[string]string{cfg.FolderAlias: cfg.FolderRoot},
		SharedSecret: cfg.SharedSecret,
		MaxArtifacts: cfg.MaxArtifacts,
	}, gateway.WithLogger(logger), gateway.WithLimiter(limiter))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[gateway] %s serving %s=%s on :%s", cfg.StartupID, cfg.FolderAlias, cfg.FolderRoot, cfg.Port)
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
		log.Printf("[gateway] shutting down (%s)", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			fmt.Fprintf(stderr, "Shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}
