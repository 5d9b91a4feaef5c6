// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
)

// PersistentStore is the two-tier durable cache of room summary lists. The
// fast tier is a flat JSON file written on every change for instant
// cold-start reads; the durable tier is a SQLite snapshot written through
// dbutil and used when the fast tier is corrupt or absent. Load never
// propagates corruption; it degrades to the next tier and finally to empty.
type PersistentStore struct {
	dataDir string
	db      *dbutil.Database
	log     zerolog.Logger
}

// NewPersistentStore creates the store and ensures the durable-tier schema.
// The db handle may be nil, leaving only the fast tier active.
func NewPersistentStore(ctx context.Context, dataDir string, db *dbutil.Database, log zerolog.Logger) (*PersistentStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s := &PersistentStore{
		dataDir: dataDir,
		db:      db,
		log:     log.With().Str("component", "persistent_store").Logger(),
	}
	if db != nil {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PersistentStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS room_snapshot (
		user_id   TEXT PRIMARY KEY,
		summaries TEXT NOT NULL,
		cached_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create room_snapshot table: %w", err)
	}
	return nil
}

// Save writes the summary list to both tiers. A durable-tier failure is
// logged but does not fail the save as long as the fast tier was written.
func (s *PersistentStore) Save(ctx context.Context, userID string, summaries []RoomSummary) error {
	snapshot := Snapshot{
		Summaries: summaries,
		CachedAt:  jsontime.UM(time.Now()),
	}
	payload, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.writeFastTier(userID, payload); err != nil {
		return err
	}

	if s.db != nil {
		_, err = s.db.Exec(ctx, `
			INSERT INTO room_snapshot (user_id, summaries, cached_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE
				SET summaries = excluded.summaries, cached_at = excluded.cached_at
		`, userID, string(payload), snapshot.CachedAt.UnixMilli())
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Durable tier write failed")
		}
	}
	return nil
}

// Load reads the cached summaries: fast tier first, durable tier on fast
// failure, empty on total failure. Placeholder entries superseded by real
// data for the same platform are filtered out.
func (s *PersistentStore) Load(ctx context.Context, userID string) ([]RoomSummary, error) {
	if snapshot, err := s.readFastTier(userID); err == nil {
		return filterSuperseded(snapshot.Summaries), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Fast tier unreadable, falling back to durable tier")
	}

	if s.db == nil {
		return nil, nil
	}
	var payload string
	err := s.db.QueryRow(ctx, `SELECT summaries FROM room_snapshot WHERE user_id = $1`, userID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Durable tier read failed, returning empty")
		return nil, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Durable tier corrupt, returning empty")
		return nil, nil
	}
	return filterSuperseded(snapshot.Summaries), nil
}

// Invalidate removes both tiers for the user.
func (s *PersistentStore) Invalidate(ctx context.Context, userID string) error {
	if err := os.Remove(s.fastTierPath(userID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove fast tier: %w", err)
	}
	if s.db != nil {
		if _, err := s.db.Exec(ctx, `DELETE FROM room_snapshot WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to remove durable tier: %w", err)
		}
	}
	return nil
}

// writeFastTier writes the payload atomically via a temp file rename so a
// crash mid-write never leaves a truncated snapshot.
func (s *PersistentStore) writeFastTier(userID string, payload []byte) error {
	path := s.fastTierPath(userID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write fast tier: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit fast tier: %w", err)
	}
	return nil
}

func (s *PersistentStore) readFastTier(userID string) (*Snapshot, error) {
	payload, err := os.ReadFile(s.fastTierPath(userID))
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheCorruption, err)
	}
	return &snapshot, nil
}

func (s *PersistentStore) fastTierPath(userID string) string {
	return filepath.Join(s.dataDir, "summaries-"+sanitizeFileComponent(userID)+".json")
}

// sanitizeFileComponent makes a user identifier safe as a filename chunk.
func sanitizeFileComponent(in string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, in)
}

// filterSuperseded drops placeholder entries when real data exists for the
// same room identifier or platform.
func filterSuperseded(summaries []RoomSummary) []RoomSummary {
	realIDs := make(map[string]bool)
	realTags := make(map[string]bool)
	for _, s := range summaries {
		if !s.IsPlaceholder {
			realIDs[s.ID.String()] = true
			if s.PlatformTag != "" {
				realTags[s.PlatformTag] = true
			}
		}
	}
	out := summaries[:0:0]
	for _, s := range summaries {
		if s.IsPlaceholder && (realIDs[s.ID.String()] || realTags[s.PlatformTag]) {
			continue
		}
		out = append(out, s)
	}
	return out
}
