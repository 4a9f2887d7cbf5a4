package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/mcdev12/pizzaday/go/internal/session"
	"github.com/mcdev12/pizzaday/go/internal/settingsstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("pizzaday exited")
	}
	log.Info().Msg("pizzaday shutdown complete")
}

func run(ctx context.Context, cfg Config) error {
	clock := clockwork.NewRealClock()

	snaps, err := setupSnapshots(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer snaps.Close()

	storeCfg := settingsstore.DefaultConfig()
	storeCfg.BaseURL = cfg.StoreURL
	store := settingsstore.New(storeCfg)

	if cfg.Create {
		id, err := createRoom(ctx, cfg, store, clock.Now())
		if err != nil {
			return err
		}
		cfg.SessionID = id
	}

	services, err := setupServices(cfg, store, snaps, clock)
	if err != nil {
		return err
	}
	server := setupServer(cfg, services)

	log.Info().
		Str("session_id", cfg.SessionID).
		Str("identity", cfg.Identity).
		Str("transport", cfg.Transport).
		Bool("host", cfg.Host).
		Msg("starting pizzaday session")

	g, gctx := errgroup.WithContext(ctx)
	sessionCtx, cancelSession := context.WithCancel(gctx)
	defer cancelSession()

	g.Go(func() error {
		err := services.Coordinator.Run(sessionCtx)
		switch {
		case errors.Is(err, session.ErrSessionEnded),
			errors.Is(err, session.ErrLeft),
			errors.Is(err, session.ErrRoomInactive):
			log.Info().Err(err).Msg("session finished")
			// Stop the bridge as well; nothing is left to serve.
			return errSessionDone
		case errors.Is(err, session.ErrClosed):
			return nil
		default:
			return err
		}
	})
	g.Go(func() error {
		services.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return serve(gctx, server)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionDone) {
		return err
	}
	return nil
}

var errSessionDone = errors.New("session done")
