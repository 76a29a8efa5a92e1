package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	return openTestStoreWithBus(t, nil)
}

func openTestStoreWithBus(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	root := t.TempDir()
	store, err := persistence.Open(filepath.Join(root, ".loft", "loft.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if _, err := store.Bootstrap(context.Background(), filepath.Base(root), root); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{
		"schema_migrations", "project", "conversations", "messages",
		"runs", "run_steps", "events", "assets", "chunks", "index_jobs", "kv_store",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "loft.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, ".loft", "loft.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err = persistence.Open(dbPath, nil)
	if err == nil {
		t.Fatalf("expected error for checksum mismatch")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_KVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.KVSet(ctx, "watcher.signature", "abc123"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	got, err := store.KVGet(ctx, "watcher.signature")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("kv value = %q, want %q", got, "abc123")
	}

	if err := store.KVSet(ctx, "watcher.signature", "def456"); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	got, err = store.KVGet(ctx, "watcher.signature")
	if err != nil {
		t.Fatalf("kv get after overwrite: %v", err)
	}
	if got != "def456" {
		t.Fatalf("kv value = %q, want %q", got, "def456")
	}

	missing, err := store.KVGet(ctx, "no.such.key")
	if err != nil {
		t.Fatalf("kv get missing: %v", err)
	}
	if missing != "" {
		t.Fatalf("missing key value = %q, want empty", missing)
	}

	if err := store.KVDelete(ctx, "watcher.signature"); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	got, err = store.KVGet(ctx, "watcher.signature")
	if err != nil {
		t.Fatalf("kv get after delete: %v", err)
	}
	if got != "" {
		t.Fatalf("deleted key value = %q, want empty", got)
	}
}

func TestStore_BootstrapCreatesDefaultConversation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	convs, err := store.ListConversations(ctx, false)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if convs[0].Title != "General" {
		t.Fatalf("default conversation title = %q, want General", convs[0].Title)
	}
	if store.Project().ActiveConversationID != convs[0].ID {
		t.Fatalf("active conversation = %q, want %q", store.Project().ActiveConversationID, convs[0].ID)
	}
}

func TestStore_BootstrapKeepsProjectIDAcrossReopen(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, ".loft", "loft.db")
	ctx := context.Background()

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	created, err := store.Bootstrap(ctx, "proj", root)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !created {
		t.Fatalf("expected first bootstrap to create the project row")
	}
	firstID := store.Project().ID
	_ = store.Close()

	store, err = persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	created, err = store.Bootstrap(ctx, "proj", root)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if created {
		t.Fatalf("expected second bootstrap to reuse the project row")
	}
	if store.Project().ID != firstID {
		t.Fatalf("project id changed across reopen: %q vs %q", store.Project().ID, firstID)
	}
}
