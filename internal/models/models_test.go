// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

// =====================================================
// Outbox
// =====================================================

func TestOperationTypeValid(t *testing.T) {
	for _, op := range []OperationType{OperationCreate, OperationUpdate, OperationDelete} {
		if !op.Valid() {
			t.Errorf("%q should be valid", op)
		}
	}
	if OperationType("upsert").Valid() {
		t.Error("unknown operation should be invalid")
	}
}

func TestOutboxCountsActive(t *testing.T) {
	c := OutboxCounts{Pending: 2, Syncing: 1, Failed: 3, Exhausted: 1}
	if c.Active() != 6 {
		t.Errorf("Active() = %d, want 6", c.Active())
	}
	if c.Deliverable() != 4 {
		t.Errorf("Deliverable() = %d, want 4", c.Deliverable())
	}
}

// =====================================================
// Rows
// =====================================================

// TestRowShapes verifies every row type lists as many values and scan targets as columns.
func TestRowShapes(t *testing.T) {
	for _, name := range Collections {
		row := NewRow(name)
		if row == nil {
			t.Fatalf("NewRow(%q) = nil", name)
		}
		if row.TableName() != name {
			t.Errorf("TableName() = %q, want %q", row.TableName(), name)
		}
		cols := len(row.Columns())
		if len(row.Values()) != cols || len(row.Targets()) != cols {
			t.Errorf("%s: %d columns, %d values, %d targets", name, cols, len(row.Values()), len(row.Targets()))
		}
	}
	if NewRow("tags") != nil {
		t.Error("NewRow should return nil for unknown collections")
	}
	if !IsCollection(CollectionArticles) || IsCollection("tags") {
		t.Error("IsCollection mismatch")
	}
}

func TestSyncFieldsJSON(t *testing.T) {
	a := Article{ID: "a1", Price: decimal.RequireFromString("12.50")}
	a.Stamp(1700000000000, 1699999999000)

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"updatedAt":1700000000000`) {
		t.Errorf("updatedAt missing from %s", s)
	}
	if strings.Contains(s, "SourceTS") || strings.Contains(s, "1699999999000") {
		t.Errorf("source timestamp must not be serialized: %s", s)
	}
	if strings.Contains(s, "deletedAt") {
		t.Errorf("deletedAt should be omitted when nil: %s", s)
	}
	if a.SourceTimestamp() != 1699999999000 {
		t.Errorf("SourceTimestamp() = %d", a.SourceTimestamp())
	}

	a.MarkDeleted(1700000001000)
	if a.DeletedAt == nil || *a.DeletedAt != 1700000001000 {
		t.Error("MarkDeleted should set the tombstone")
	}
}

func TestSnapshotRows(t *testing.T) {
	snap := Snapshot{
		Articles: []Article{{ID: "a1"}, {ID: "a2"}},
		Sales:    []Sale{{ID: "s1"}},
	}

	rows := snap.Rows()
	if len(rows[CollectionArticles]) != 2 || len(rows[CollectionSales]) != 1 {
		t.Errorf("unexpected rows: %v", rows)
	}
	if snap.Len() != 3 {
		t.Errorf("Len() = %d, want 3", snap.Len())
	}

	// Rows must alias the snapshot, not copy it.
	rows[CollectionArticles][0].(*Article).Code = "X"
	if snap.Articles[0].Code != "X" {
		t.Error("Rows() should return pointers into the snapshot")
	}
}
