// Package main provides the entry point for the platform-core daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botmesh/platform-core/pkg/health"
	"github.com/botmesh/platform-core/pkg/identity"
	"github.com/botmesh/platform-core/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("platform-core version %s\n", Version)
		return nil
	}

	if opts.configPath == "" {
		return fmt.Errorf("missing -config flag")
	}

	cfg, err := platform.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	p, err := platform.New(cfg)
	if err != nil {
		return fmt.Errorf("assembling platform: %w", err)
	}
	defer func() { _ = p.Close() }()

	ctx := setupSignalHandler()
	return serve(ctx, p)
}

func serve(ctx context.Context, p *platform.Platform) error {
	checker := health.NewChecker(p.DB().PingContext)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	mux.Handle("/whoami", identity.OptionalSession(p.Resolver())(whoamiHandler()))

	srv := &http.Server{
		Addr:              p.Config().Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "name", p.Config().Server.Name, "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	checker.SetReady()

	select {
	case <-ctx.Done():
		checker.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// whoamiHandler reports the resolved identity, or the logged-out state for
// anonymous requests.
func whoamiHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type response struct {
			Authenticated bool   `json:"authenticated"`
			OwnerID       string `json:"owner_id,omitempty"`
			ChannelsCount int    `json:"channels_count,omitempty"`
		}

		resp := response{}
		if id := identity.FromContext(r.Context()); id != nil {
			resp.Authenticated = true
			resp.OwnerID = id.OwnerID
			resp.ChannelsCount = id.Snapshot.ChannelsCount
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
