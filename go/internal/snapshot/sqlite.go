package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pizzaday/go/internal/codec"
	"github.com/mcdev12/pizzaday/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS session_snapshots (
	snapshot_key TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	identity     TEXT NOT NULL,
	payload      BLOB NOT NULL,
	saved_at     INTEGER NOT NULL
)`

// SQLiteStore persists snapshots in a SQLite database on the device.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
func OpenSQLite(path string, clock clockwork.Clock) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}

	return &SQLiteStore{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if err := checkKey(snap.SessionID, snap.Identity); err != nil {
		return err
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = s.clock.Now()
	}
	payload, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (snapshot_key, session_id, identity, payload, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(snapshot_key) DO UPDATE SET
		    payload = excluded.payload,
		    saved_at = excluded.saved_at`,
		Key(snap.SessionID, snap.Identity), snap.SessionID, snap.Identity, payload, snap.SavedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load implements Store. An expired row is deleted in the same transaction
// that read it.
func (s *SQLiteStore) Load(ctx context.Context, sessionID, identity string, maxAge time.Duration) (Snapshot, bool, error) {
	if err := checkKey(sessionID, identity); err != nil {
		return Snapshot{}, false, err
	}
	key := Key(sessionID, identity)

	var payload []byte
	var savedAt time.Time
	found := false
	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		var savedAtMillis int64
		err := tx.QueryRowContext(ctx,
			`SELECT payload, saved_at FROM session_snapshots WHERE snapshot_key = ?`, key,
		).Scan(&payload, &savedAtMillis)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		savedAt = time.UnixMilli(savedAtMillis)
		if !expired(s.clock, savedAt, maxAge) {
			found = true
			return nil
		}
		log.Debug().
			Str("snapshot_key", key).
			Time("saved_at", savedAt).
			Msg("discarding expired snapshot")
		_, err = tx.ExecContext(ctx, `DELETE FROM session_snapshots WHERE snapshot_key = ?`, key)
		return err
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := codec.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	snap.SavedAt = savedAt
	return snap, true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID, identity string) error {
	if err := checkKey(sessionID, identity); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE snapshot_key = ?`, Key(sessionID, identity),
	); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// PruneExpired deletes every snapshot older than maxAge and returns how many
// rows were removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE saved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return n, nil
}
