package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
	"github.com/kryptomind/trackd/internal/sysinfo"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return c
}

func testPayload(t *testing.T, date time.Time) activity.Payload {
	t.Helper()
	return activity.Build("alice", "Alice", map[string]int64{"code": 120, "browser": 45}, 0, 5*time.Minute, date, sysinfo.Info{Platform: "linux"})
}

func TestPersistThenLoadSameDay(t *testing.T) {
	c := newTestCache(t)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)
	payload := testPayload(t, now)

	if err := c.Persist(payload); err != nil {
		t.Fatalf("persist: %v", err)
	}

	entry, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a cached entry")
	}
	if entry.Date != "2025-06-01" {
		t.Fatalf("unexpected date tag %q", entry.Date)
	}
	if len(entry.Payload.Apps) != len(payload.Apps) {
		t.Fatalf("app map changed across the round trip")
	}
	for app, minutes := range payload.Apps {
		if entry.Payload.Apps[app] != minutes {
			t.Fatalf("apps[%s] = %v, want %v", app, entry.Payload.Apps[app], minutes)
		}
	}
}

func TestLoadEmptyCache(t *testing.T) {
	c := newTestCache(t)
	entry, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry != nil {
		t.Fatal("expected no entry from an empty cache")
	}
}

func TestPersistSupersedesPreviousEntry(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()

	first := testPayload(t, now)
	second := activity.Build("alice", "Alice", map[string]int64{"slack": 600}, 0, 5*time.Minute, now, sysinfo.Info{})

	if err := c.Persist(first); err != nil {
		t.Fatalf("persist first: %v", err)
	}
	if err := c.Persist(second); err != nil {
		t.Fatalf("persist second: %v", err)
	}

	entry, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry.Payload.SyncID != second.SyncID {
		t.Fatal("latest-wins: the second payload must replace the first")
	}
}

func TestCorruptFileQuarantinedNotFatal(t *testing.T) {
	c := newTestCache(t)
	if err := os.WriteFile(c.slotPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	entry, err := c.Load()
	if err != nil {
		t.Fatalf("load after corruption: %v", err)
	}
	if entry != nil {
		t.Fatal("corrupt cache must read as empty")
	}

	if _, err := os.Stat(c.slotPath + ".bak"); err != nil {
		t.Fatalf("expected .bak sidecar: %v", err)
	}
	if _, err := os.Stat(c.slotPath); !os.IsNotExist(err) {
		t.Fatal("corrupt slot must be moved away")
	}
}

func TestPurgeStaleDropsPriorDay(t *testing.T) {
	c := newTestCache(t)
	yesterday := time.Now().AddDate(0, 0, -1)
	if err := c.Persist(testPayload(t, yesterday)); err != nil {
		t.Fatalf("persist: %v", err)
	}

	entry, err := c.PurgeStale(time.Now().Format(activity.DateLayout))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if entry != nil {
		t.Fatal("stale entry must not be returned")
	}

	reloaded, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded != nil {
		t.Fatal("stale entry must be gone after purge")
	}
}

func TestPurgeStaleKeepsSameDay(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	if err := c.Persist(testPayload(t, now)); err != nil {
		t.Fatalf("persist: %v", err)
	}

	entry, err := c.PurgeStale(now.Format(activity.DateLayout))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if entry == nil {
		t.Fatal("same-day entry must survive the startup purge")
	}
}

func TestArchiveRenamesSlot(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	if err := c.Persist(testPayload(t, now)); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := c.Archive("2025-06-01"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.dir, "activity_cache-2025-06-01.json")); err != nil {
		t.Fatalf("expected archived file: %v", err)
	}

	entry, err := c.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry != nil {
		t.Fatal("slot must be empty after archiving")
	}

	// Archiving an empty slot is a no-op.
	if err := c.Archive("2025-06-02"); err != nil {
		t.Fatalf("archive empty slot: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	c := newTestCache(t)

	meta := c.LoadMeta()
	if meta.LastJoinDate != "" || len(meta.LastSync) != 0 {
		t.Fatalf("expected empty meta, got %+v", meta)
	}

	meta.LastJoinDate = "2025-06-01"
	meta.LastSync["code"] = "2025-06-01T10:00:00"
	if err := c.SaveMeta(meta); err != nil {
		t.Fatalf("save meta: %v", err)
	}

	if err := c.MergeLastSync(map[string]string{"browser": "2025-06-01T11:00:00"}); err != nil {
		t.Fatalf("merge last sync: %v", err)
	}

	got := c.LoadMeta()
	if got.LastJoinDate != "2025-06-01" {
		t.Fatalf("last join date lost: %+v", got)
	}
	if got.LastSync["code"] != "2025-06-01T10:00:00" || got.LastSync["browser"] != "2025-06-01T11:00:00" {
		t.Fatalf("unexpected last sync map: %v", got.LastSync)
	}
}
