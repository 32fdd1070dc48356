package main

import (
	"context"
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

	"github.com/eteran/strata/internal/config"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/ui"
)

func Run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	listen := flag.String("listen", "", "UI listen address (overrides ui.listen_address)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}

	if *listen != "" {
		cfg.UI.ListenAddress = *listen
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           logLevel(cfg.Server.LogLevel),
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	slog.SetDefault(slog.New(handler))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath()), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := meta.Open(ctx, cfg.Storage.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              cfg.UI.ListenAddress,
		Handler:           (&ui.Server{Store: store}).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	slog.Info("Starting Strata UI server", "addr", cfg.UI.ListenAddress, "database", cfg.Storage.DatabasePath())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("strata UI server failed: %w", err)
	}

	return nil
}

func logLevel(level string) log.Level {
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return l
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
