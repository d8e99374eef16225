package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shelfsync/shelfsync/internal/app"
)

func main() {
	configPath := os.Getenv("SHELFSYNC_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	if err := a.ReplayOnBoot(context.Background()); err != nil {
		a.Logger.Error().Err(err).Msg("boot replay failed")
	}

	a.StartSyncLoop(time.Second)

	host := a.Config.ServerHost
	port := a.Config.ServerPort

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      a.HTTP.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		a.Logger.Info().Int("port", port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error().Err(err).Msg("HTTP server failed")
			a.TriggerShutdown()
		}
	}()

	a.Logger.Info().Str("url", fmt.Sprintf("http://%s:%d", host, port)).Msg("server ready")

	if err := a.WaitForShutdown(30 * time.Second); err != nil {
		a.Logger.Error().Err(err).Msg("shutdown sequence reported an error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("server stopped")
}
