package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/snapshot"
	"github.com/rs/zerolog/log"
)

// setupSnapshots opens the snapshot database and prunes expired entries.
func setupSnapshots(ctx context.Context, cfg Config, clock clockwork.Clock) (*snapshot.SQLiteStore, error) {
	store, err := snapshot.OpenSQLite(cfg.SnapshotDB, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	pruneCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pruned, err := store.PruneExpired(pruneCtx, cfg.SnapshotMaxAge)
	if err != nil {
		log.Warn().Err(err).Msg("failed to prune expired snapshots")
	}

	log.Info().
		Str("path", cfg.SnapshotDB).
		Int64("pruned", pruned).
		Msg("snapshot database ready")
	return store, nil
}
