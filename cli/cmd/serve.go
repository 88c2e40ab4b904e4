package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/trducng/theflow/runtime"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <flow-dir> <flow-name>",
	Short: "Serve a flow as a remote backend",
	Long: `Serve runs the HTTP server that nodes using the HTTP backend call.
Clients and server must share the context cache, so --cache-dsn is required
unless both run in one process.

Example:
  theflow serve ./flows embed --addr :8080 --cache-dsn postgres://...
`,
	Args: cobra.ExactArgs(2),
	RunE: serveFlow,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
}

func serveFlow(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(context.Background()); err != nil {
			env.logger.Warn("Shutdown failed", "error", err)
		}
	}()

	flow, err := env.loadFlow(args[0], args[1], nil)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	handler, err := runtime.NewBackendHandler(flow, env.cache, env.logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    serveAddr,
		Handler: handler,
	}
	errCh := make(chan error, 1)
	go func() {
		env.logger.Info("listening", "addr", serveAddr, "flow", args[1])
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	env.logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
