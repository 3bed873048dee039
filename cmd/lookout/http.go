package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// handleHTTPServer starts the HTTP server on addr. It shuts the server down
// gracefully once ctx is cancelled. Listen errors are sent to errc.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, wg *sync.WaitGroup, errc chan error, logger *slog.Logger) {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	// No write timeout, MJPEG and WebSocket responses are long lived
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- err:
				default:
				}
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", "addr", addr)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown", "error", err)
		}
	}()
}
