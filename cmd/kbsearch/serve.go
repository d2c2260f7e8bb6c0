package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/api"
	"github.com/dshills/kbsearch-mcp/internal/mcp"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP search API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return runServe(ctx, a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	handler := api.NewServer(a.searcher, api.Config{
		PreviewLength: a.cfg.Search.PreviewLength,
		RateLimit:     a.cfg.Server.RateLimit,
		RateBurst:     a.cfg.Server.RateBurst,
	}, a.logger)

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP API listening", "addr", srv.Addr, "version", version)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down HTTP API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			caller := types.CallerContext{
				ID:             a.cfg.MCP.Caller.ID,
				ClearanceLevel: a.cfg.MCP.Caller.ClearanceLevel,
				Department:     a.cfg.MCP.Caller.Department,
				Campus:         a.cfg.MCP.Caller.Campus,
			}
			if err := caller.Validate(); err != nil {
				return fmt.Errorf("mcp.caller: %w", err)
			}

			server := mcp.NewServer(a.searcher, mcp.Config{
				Version:       version,
				Caller:        caller,
				PreviewLength: a.cfg.Search.PreviewLength,
			}, a.logger)

			errChan := make(chan error, 1)
			go func() {
				errChan <- server.Serve(ctx)
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("received shutdown signal, stopping MCP server")
				return nil
			case err := <-errChan:
				return err
			}
		},
	}
}
