package capture

import (
	"context"
	"testing"

	"github.com/surrealdb-lite/liveq/internal/kv"
)

func openTx(t *testing.T) *kv.Txn {
	t.Helper()
	s, err := kv.Open("")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func TestCaptureOrderingAndActions(t *testing.T) {
	tx := openTx(t)
	ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}

	if err := PutRecord(tx, ref, "r1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutRecord r1: %v", err)
	}
	if err := PutRecord(tx, ref, "r2", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("PutRecord r2: %v", err)
	}
	if err := PutRecord(tx, ref, "r1", []byte(`{"v":10}`)); err != nil {
		t.Fatalf("update r1: %v", err)
	}
	if err := DelRecord(tx, ref, "r2"); err != nil {
		t.Fatalf("DelRecord r2: %v", err)
	}

	changes := Drain(tx)
	if len(changes) != 4 {
		t.Fatalf("expected 4 captured changes, got %d: %+v", len(changes), changes)
	}

	want := []struct {
		recordID string
		action   Action
	}{
		{"r1", Create},
		{"r2", Create},
		{"r1", Update},
		{"r2", Delete},
	}
	for i, w := range want {
		if changes[i].RecordID != w.recordID || changes[i].Action != w.action {
			t.Errorf("change[%d] = %+v, want recordID=%s action=%s", i, changes[i], w.recordID, w.action)
		}
	}

	if string(changes[2].Before) != `{"v":1}` {
		t.Errorf("update before-image = %s, want {\"v\":1}", changes[2].Before)
	}
	if string(changes[3].Before) != `{"v":2}` {
		t.Errorf("delete before-image = %s, want {\"v\":2}", changes[3].Before)
	}
}

func TestDrainClearsBuffer(t *testing.T) {
	tx := openTx(t)
	ref := kv.TableRef{NS: "ns", DB: "db", TB: "tb"}
	if err := PutRecord(tx, ref, "r1", []byte(`{}`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if got := Drain(tx); len(got) != 1 {
		t.Fatalf("first Drain: got %d changes, want 1", len(got))
	}
	if got := Drain(tx); len(got) != 0 {
		t.Fatalf("second Drain should be empty, got %d", len(got))
	}
}

func TestDeletingAbsentRecordCapturesNothing(t *testing.T) {
	tx := openTx(t)
	ref := kv.TableRef{NS: "ns", DB: "db", TB: "tb"}
	if err := DelRecord(tx, ref, "never-existed"); err != nil {
		t.Fatalf("DelRecord: %v", err)
	}
	if got := Drain(tx); len(got) != 0 {
		t.Fatalf("expected no captured changes, got %+v", got)
	}
}
