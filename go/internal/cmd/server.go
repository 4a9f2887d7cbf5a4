package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mcdev12/pizzaday/go/internal/uibridge"
	"github.com/rs/zerolog/log"
)

func bridgeConfig(cfg Config) uibridge.Config {
	bridgeCfg := uibridge.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		bridgeCfg.AllowedOrigins = cfg.AllowedOrigins
	}
	return bridgeCfg
}

func setupServer(cfg Config, services *Services) *http.Server {
	return uibridge.NewServer(cfg.ListenAddr, services.Coordinator, services.Hub, bridgeConfig(cfg))
}

// serve runs server until ctx is done, then shuts it down.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("ui bridge listening")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ui bridge shutdown failed")
		return err
	}
	return nil
}
