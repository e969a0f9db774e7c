// Package cache persists undelivered sync payloads and small agent
// metadata across process restarts.
//
// The payload cache is a single on-disk slot with latest-wins semantics:
// it buffers the most recent undelivered payload for the current day, it
// is not a lossless audit queue. A corrupt file is moved aside and the
// cache resets empty; corruption never crashes the agent.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
)

const (
	slotFile = "activity_cache.json"
	metaFile = "last_sync.json"
)

// Entry is a persisted payload tagged with its calendar day.
type Entry struct {
	Date     string           `json:"date"`
	CachedAt time.Time        `json:"cached_at"`
	Payload  activity.Payload `json:"payload"`
}

// Meta holds the small cross-restart metadata: per-app last-sync
// timestamps and the last day the user joined the monitored channel.
type Meta struct {
	LastSync     map[string]string `json:"last_sync"`
	LastJoinDate string            `json:"last_join_date"`
}

// Cache owns the slot and meta files inside one directory. Single-writer:
// exactly one agent instance runs per machine, so no file locking is used.
type Cache struct {
	dir      string
	slotPath string
	metaPath string
	logger   zerolog.Logger
}

// New creates the cache directory if needed and returns a handle.
func New(dir string, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{
		dir:      dir,
		slotPath: filepath.Join(dir, slotFile),
		metaPath: filepath.Join(dir, metaFile),
		logger:   logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Persist overwrites the slot with payload. The previous slot content, if
// any, is superseded.
func (c *Cache) Persist(payload activity.Payload) error {
	entry := Entry{
		Date:     payload.Date,
		CachedAt: time.Now(),
		Payload:  payload,
	}
	if err := writeJSON(c.slotPath, entry); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	c.logger.Debug().Str("date", entry.Date).Msg("Payload cached")
	return nil
}

// Load returns the current slot, or nil when the slot is absent. A file
// that fails to parse is renamed to a .bak sidecar and treated as absent.
func (c *Cache) Load() (*Entry, error) {
	data, err := os.ReadFile(c.slotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.quarantine(err)
		return nil, nil
	}
	if entry.Date == "" {
		c.quarantine(fmt.Errorf("cache entry missing date tag"))
		return nil, nil
	}
	return &entry, nil
}

// Clear removes the slot. Clearing an already-empty cache is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.slotPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Archive moves the slot to a date-suffixed sibling file. Used by the day
// rollover so a stale payload is kept for inspection but never re-sent.
func (c *Cache) Archive(date string) error {
	target := filepath.Join(c.dir, fmt.Sprintf("activity_cache-%s.json", date))
	err := os.Rename(c.slotPath, target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive cache: %w", err)
	}
	c.logger.Info().Str("archive", target).Msg("Cache archived")
	return nil
}

// PurgeStale drops the slot when its date tag is not today. Returns the
// entry when it is still current. Called once at startup: prior-day data
// must never be re-sent.
func (c *Cache) PurgeStale(today string) (*Entry, error) {
	entry, err := c.Load()
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Date != today {
		c.logger.Info().
			Str("cached_date", entry.Date).
			Str("today", today).
			Msg("Purging stale cached payload")
		return nil, c.Clear()
	}
	return entry, nil
}

// LoadMeta reads the metadata file, returning an empty Meta when the file
// is absent or unreadable.
func (c *Cache) LoadMeta() Meta {
	meta := Meta{LastSync: make(map[string]string)}
	data, err := os.ReadFile(c.metaPath)
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unreadable metadata file")
		return Meta{LastSync: make(map[string]string)}
	}
	if meta.LastSync == nil {
		meta.LastSync = make(map[string]string)
	}
	return meta
}

// SaveMeta writes the metadata file.
func (c *Cache) SaveMeta(meta Meta) error {
	if err := writeJSON(c.metaPath, meta); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// MergeLastSync folds per-app sync timestamps from a delivered payload
// into the metadata file.
func (c *Cache) MergeLastSync(appSyncInfo map[string]string) error {
	meta := c.LoadMeta()
	for app, ts := range appSyncInfo {
		meta.LastSync[app] = ts
	}
	return c.SaveMeta(meta)
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) quarantine(cause error) {
	backup := c.slotPath + ".bak"
	if err := os.Rename(c.slotPath, backup); err != nil {
		c.logger.Error().Err(err).Msg("Failed to quarantine corrupt cache file")
		_ = os.Remove(c.slotPath)
		return
	}
	c.logger.Warn().
		Err(cause).
		Str("backup", backup).
		Msg("Corrupt cache file moved aside, starting with an empty cache")
}

func writeJSON(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
