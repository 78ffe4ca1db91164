package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/murphys7017/music-server/internal/domain"
	"github.com/murphys7017/music-server/internal/registry"
)

func newStore(t *testing.T) registry.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := registry.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return registry.NewSQLiteStore(db)
}

func TestCleanupRemovesOrphanedEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	kept := filepath.Join(dir, "here - still.mp3")
	if err := os.WriteFile(kept, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, m := range []domain.MediaFile{
		{UUID: "med_keep", MD5: "md5keep", Path: kept, Name: "here", Artist: "still", Source: "local", AddedAt: now},
		{UUID: "med_gone", MD5: "md5gone", Path: filepath.Join(dir, "vanished.mp3"), Name: "vanished", Source: "local", AddedAt: now},
	} {
		if _, err := store.UpsertMedia(ctx, m); err != nil {
			t.Fatalf("UpsertMedia(%s): %v", m.UUID, err)
		}
	}

	c := New(zerolog.Nop(), store, "")
	if err := c.Handle(ctx, nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	files, err := store.ListMedia(ctx)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(files) != 1 || files[0].UUID != "med_keep" {
		t.Fatalf("ListMedia = %+v, want only med_keep", files)
	}

	// Nothing left to do on a clean library.
	if err := c.Handle(ctx, nil); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
}

func TestCleanupPrunesOldTempFiles(t *testing.T) {
	t.Parallel()
	temp := t.TempDir()
	old := filepath.Join(temp, "stale.part")
	fresh := filepath.Join(temp, "fresh.part")
	sub := filepath.Join(temp, "nested")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(sub, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	c := New(zerolog.Nop(), newStore(t), temp)
	if err := c.Handle(context.Background(), nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("stale temp file survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh temp file removed: %v", err)
	}
	if _, err := os.Stat(sub); err != nil {
		t.Fatalf("subdirectory removed: %v", err)
	}
}

func TestCleanupTempDirParamOverride(t *testing.T) {
	t.Parallel()
	temp := t.TempDir()
	old := filepath.Join(temp, "ancient.tmp")
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// Constructed without a temp dir; the item parameters name one and
	// tighten the age window below the default.
	c := New(zerolog.Nop(), newStore(t), "")
	raw, _ := json.Marshal(map[string]any{"temp_dir": temp, "max_age_hours": 1})
	if err := c.Handle(context.Background(), raw); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("temp file older than max_age_hours survived")
	}
}

func TestCleanupMissingTempDir(t *testing.T) {
	t.Parallel()
	c := New(zerolog.Nop(), newStore(t), filepath.Join(t.TempDir(), "ghost"))
	if err := c.Handle(context.Background(), nil); err != nil {
		t.Fatalf("Handle with missing temp dir: %v", err)
	}
}

func TestCleanupBadParams(t *testing.T) {
	t.Parallel()
	c := New(zerolog.Nop(), newStore(t), "")
	if err := c.Handle(context.Background(), json.RawMessage(`{"temp_dir":`)); err == nil {
		t.Fatal("broken params accepted")
	}
}
