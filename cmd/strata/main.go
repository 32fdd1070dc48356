package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/strata/internal/auth"
	"github.com/eteran/strata/internal/config"
	"github.com/eteran/strata/internal/core"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/sweeper"
)

func Run(ctx context.Context) error {

	configPath := flag.String("config", "", "path to the YAML configuration file")
	listen := flag.String("listen", "", "HTTP listen address (overrides server.listen_address)")
	dataDir := flag.String("data-dir", "", "directory to store object data (overrides storage.data_dir)")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}

	if *listen != "" {
		cfg.Server.ListenAddress = *listen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.Storage.DataDir = absDataDir

	creds := auth.Credentials{}
	for _, c := range cfg.Auth.Credentials {
		creds[c.AccessKeyID] = c.SecretAccessKey
	}

	server, err := core.NewServer(ctx, core.NewConfig(
		core.WithDataDir(absDataDir),
		core.WithDatabasePath(cfg.Storage.DatabasePath()),
		core.WithRegion(cfg.Server.Region),
		core.WithAnonymousAccess(cfg.Auth.AllowAnonymous),
		core.WithUploadSignatureRequired(cfg.Multipart.RequireSignature),
		core.WithAuthEngine(auth.NewCompoundAuthEngine(
			auth.NewAwsHmacAuthEngine(creds),
			auth.NewBasicAuthEngine(creds),
		)),
		core.WithDeletePolicy(meta.DeletePolicy{
			Objects: meta.CascadeMode(cfg.Buckets.DeletePolicy.Objects),
			Uploads: meta.CascadeMode(cfg.Buckets.DeletePolicy.Uploads),
		}),
	))
	if err != nil {
		return fmt.Errorf("failed to create strata server: %w", err)
	}

	defer server.Close()

	router := server.Handler()

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              cfg.Server.TLS.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return httpsServer.Shutdown(context.Background())
	})

	eg.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	eg.Go(func() error {
		if !cfg.Server.TLS.Enabled() {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting Strata HTTPS server", "addr", cfg.Server.TLS.ListenAddress)
		err := httpsServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Strata HTTP server", "addr", cfg.Server.ListenAddress, "data", absDataDir)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	sweep := cfg.Multipart.Sweep
	if sweep.Enabled {
		s := &sweeper.Sweeper{
			Uploads: server.Store,
			TTL:     sweep.StaleAfter(),
			Limit:   sweep.MaxAbortsPerSweep,
		}

		eg.Go(func() error {
			if sweep.StartupSweep {
				s.LogSweep(ctx, "Multipart startup sweep")
			}
			return s.Run(ctx, sweep.Interval())
		})
	}

	slog.Info("Strata Started", "region", cfg.Server.Region, "anonymous", cfg.Auth.AllowAnonymous)
	return eg.Wait()

}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Strata exited with error", "error", err)
		os.Exit(1)
	}
}
