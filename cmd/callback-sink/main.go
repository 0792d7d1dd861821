// Command callback-sink is a local receiver for overlay stop notifications.
// Point notification.endpoint at it to watch deliveries and retries.
package main

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
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr      string
		failFirst int
	)

	cmd := &cobra.Command{
		Use:          "callback-sink",
		Short:        "Receive and log overlay stop notifications",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			return serve(cmd.Context(), logger, addr, newSink(logger, failFirst))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8081", "Listen address")
	cmd.Flags().IntVar(&failFirst, "fail-first", 0, "Answer the first N notifications with 503")

	return cmd
}

func serve(parent context.Context, logger *slog.Logger, addr string, s *sink) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Callback sink listening", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("callback sink failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("Callback sink stopped", slog.Int("delivered", len(s.delivered())))
	return nil
}
