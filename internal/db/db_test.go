// Package db tests for database connection management.
package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode query failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys query failed: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

// TestOpen_invalidDataDir verifies Open fails when the directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(filepath.Join(file, "sub")); err == nil {
		t.Error("Open() should fail when data dir is under a regular file")
	}
}

// TestOpenMigrated verifies the embedded schema is applied and reopening is a no-op.
func TestOpenMigrated(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := OpenMigrated(tmpDir)
	if err != nil {
		t.Fatalf("OpenMigrated() failed: %v", err)
	}
	for _, table := range []string{"outbox", "sync_metadata", "deposits", "articles", "contacts", "sales"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	db.Close()

	db, err = OpenMigrated(tmpDir)
	if err != nil {
		t.Fatalf("second OpenMigrated() failed: %v", err)
	}
	defer db.Close()
}

func TestWithTx(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv VALUES ('a')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n)
	if n != 0 {
		t.Errorf("rolled back insert is visible: %d rows", n)
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv VALUES ('b')")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}
	db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n)
	if n != 1 {
		t.Errorf("committed rows = %d, want 1", n)
	}
}
