package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// reapInterval drives the background sweeps for stuck work items and
// silent servers, independent of agent traffic.
const reapInterval = 30 * time.Second

func newCmdServer() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the control plane API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

	go runSweeper(ctx)

	address := fmt.Sprintf("%s:%d", appCtx.Config.HTTPHost, appCtx.Config.HTTPPort)
	server := &http.Server{
		Addr:    address,
		Handler: appCtx.Router(),
	}

	go func() {
		slog.Info("Control plane starting", "layer", "cmd", "address", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "layer", "cmd", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	slog.Info("Shutting down", "layer", "cmd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runSweeper periodically reaps stuck work and marks silent servers
// offline, so recovery does not depend on agents calling in.
func runSweeper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := appCtx.Queue.ReapStuck(); err != nil {
				slog.Error("Stuck work sweep failed", "layer", "cmd", "error", err)
			}
			if _, err := appCtx.Registry.MarkStaleOffline(appCtx.Config.OfflineAfter); err != nil {
				slog.Error("Offline sweep failed", "layer", "cmd", "error", err)
			}
		}
	}
}

func handleShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
}
