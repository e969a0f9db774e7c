// Package history keeps a local bbolt archive of delivered syncs and
// per-day per-app usage totals. It exists for the check command and for
// post-hoc inspection; the collector remains the source of truth.
package history

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const (
	bucketSyncs = "sync_records"
	bucketDaily = "daily_usage"
)

// SyncRecord archives one delivered payload.
type SyncRecord struct {
	SyncID       string             `json:"sync_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Date         string             `json:"date"`
	Apps         map[string]float64 `json:"apps"`
	TotalMinutes float64            `json:"total_minutes"`
}

// Store is the bbolt-backed history database.
type Store struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

// Open opens (and if needed creates) the history database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSyncs, bucketDaily} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSync archives a delivered payload and folds its per-app seconds
// into the daily totals.
func (s *Store) RecordSync(ctx context.Context, rec SyncRecord, appSeconds map[string]int64) error {
	key, err := syncKey(rec.Date, rec.Timestamp)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal sync record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		syncs := tx.Bucket([]byte(bucketSyncs))
		if syncs == nil {
			return fmt.Errorf("sync bucket missing")
		}
		if err := syncs.Put([]byte(key), data); err != nil {
			return err
		}

		daily := tx.Bucket([]byte(bucketDaily))
		if daily == nil {
			return fmt.Errorf("daily bucket missing")
		}
		for app, secs := range appSeconds {
			dk := dailyKey(rec.Date, app)
			var total int64
			if existing := daily.Get([]byte(dk)); existing != nil {
				if err := json.Unmarshal(existing, &total); err != nil {
					return fmt.Errorf("unmarshal daily total: %w", err)
				}
			}
			total += secs
			updated, err := json.Marshal(total)
			if err != nil {
				return err
			}
			if err := daily.Put([]byte(dk), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// DailyTotals returns delivered seconds per app for one date.
func (s *Store) DailyTotals(ctx context.Context, date string) (map[string]int64, error) {
	totals := make(map[string]int64)
	prefix := []byte(date + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketDaily))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var total int64
			if err := json.Unmarshal(v, &total); err != nil {
				return fmt.Errorf("unmarshal daily total: %w", err)
			}
			totals[string(k[len(prefix):])] = total
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// ListSyncs returns the archived sync records for one date, oldest first.
func (s *Store) ListSyncs(ctx context.Context, date string) ([]SyncRecord, error) {
	records := make([]SyncRecord, 0)
	prefix := []byte(date + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSyncs))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal sync record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PruneBefore deletes records older than cutoffDate from both buckets and
// returns how many keys were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoffDate string) (int, error) {
	if _, err := time.Parse("2006-01-02", cutoffDate); err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}
	cutoff := []byte(cutoffDate + "/")

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSyncs, bucketDaily} {
			b := tx.Bucket([]byte(name))
			if b == nil {
				continue
			}
			c := b.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		s.logger.Info().
			Int("keys_deleted", deleted).
			Str("cutoff_date", cutoffDate).
			Msg("Pruned old history entries")
	}
	return deleted, nil
}

func dailyKey(date, app string) string {
	return fmt.Sprintf("%s/%s", date, app)
}

func syncKey(date string, ts time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return fmt.Sprintf("%s/%020d-%s", date, ts.UnixNano(), hex.EncodeToString(buf)), nil
}
