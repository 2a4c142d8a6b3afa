package cli

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

	"github.com/spf13/cobra"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/compiler"
	"github.com/tinybase/tinybase/internal/config"
	"github.com/tinybase/tinybase/internal/engine"
	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/server"
	"github.com/tinybase/tinybase/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config   string
	Listen   string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the record server",
		Long: `Start the HTTP record server.

Loads the configuration file (defaults apply when none is given), opens the
SQLite database (creating it if it doesn't exist), restores collection
definitions, and serves the record API plus the realtime websocket channel.

Example:
  tinybase serve --config tinybase.yaml
  tinybase serve --db /tmp/dev.db --listen :8090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(log)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	log.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reg := registry.New(st)
	if err := reg.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load collections", err)
	}
	log.Info("collections restored", "count", len(reg.Collections()))

	if cfg.Schema != "" {
		log.Info("applying schema file", "path", cfg.Schema)
		defs, err := compiler.LoadFile(cfg.Schema)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compile schema file", err)
		}
		changed, err := applyDefinitions(ctx, reg, defs)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to apply schema file", err)
		}
		log.Info("schema applied", "collections", len(defs), "changed", changed)
	}

	b := bus.New(bus.WithLogger(log), bus.WithBufferSize(cfg.Realtime.BufferSize))
	eng := engine.New(reg, st, b,
		engine.WithLogger(log),
		engine.WithMaxExpandDepth(cfg.Records.MaxExpandDepth),
	)

	srvOpts := []server.Option{
		server.WithLogger(log),
		server.WithPageSize(cfg.Records.PageSize),
	}
	if cfg.AdminToken != "" {
		srvOpts = append(srvOpts, server.WithAdminToken(cfg.AdminToken))
	}
	srv := server.New(eng, reg, b, srvOpts...)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("server starting", "listen", cfg.Listen, "db", cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", cfg.Listen)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}
