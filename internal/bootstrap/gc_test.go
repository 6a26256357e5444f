package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/errs"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
	"github.com/surrealdb-lite/liveq/internal/registry"
)

const (
	nBad = "9d8e16e4-9f6a-4704-8cf1-7cd55b937c5b"
	nOK  = "123e9d92-0000-0000-0000-00000000fa9b"
	selfID = "self-node"
)

func newTestGC(t *testing.T, clk clock.Clock) (*kv.Store, *GC) {
	t.Helper()
	store, err := kv.Open("")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gc := NewGC(store, clk, logging.Default(), selfID, 30*time.Second, 10000)
	return store, gc
}

func withTx(t *testing.T, store *kv.Store, fn func(tx *kv.Txn)) {
	t.Helper()
	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// scenario 1: dead-node cleanup.
func TestDeadNodeCleanup(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	store, gc := newTestGC(t, clk)

	withTx(t, store, func(tx *kv.Txn) {
		// The self node record, as Datastore.Open writes it before bootstrap.
		if err := kv.SetND(tx, selfID, "self"); err != nil {
			t.Fatalf("SetND self: %v", err)
		}
		if err := kv.SetND(tx, nBad, "bad-node"); err != nil {
			t.Fatalf("SetND bad: %v", err)
		}

		if err := kv.SetND(tx, nOK, "ok-node"); err != nil {
			t.Fatalf("SetND ok: %v", err)
		}
		if err := kv.SetHB(tx, clk.Now(), nOK); err != nil {
			t.Fatalf("SetHB ok: %v", err)
		}
		ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}
		if err := registry.Register(tx, 100, "ca02c2d0-0000-0000-0000-000000001e0a", nOK, ref, "true", ""); err != nil {
			t.Fatalf("Register: %v", err)
		}
	})

	if _, err := gc.Run(context.Background()); err != nil {
		t.Fatalf("gc.Run: %v", err)
	}

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	nodes, _, err := kv.ScanND(tx, "", 100)
	if err != nil {
		t.Fatalf("ScanND: %v", err)
	}
	got := map[string]bool{}
	for _, n := range nodes {
		got[n.ID] = true
	}
	if !got[selfID] || !got[nOK] {
		t.Fatalf("expected self and %s to survive, got %+v", nOK, nodes)
	}
	if got[nBad] {
		t.Fatalf("expected %s to be reaped, got %+v", nBad, nodes)
	}
}

// scenario 2: orphan NDLQ (no matching TBLQ).
func TestOrphanNDLQ(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	store, gc := newTestGC(t, clk)
	ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}

	withTx(t, store, func(tx *kv.Txn) {
		if err := kv.SetND(tx, nOK, "ok-node"); err != nil {
			t.Fatalf("SetND: %v", err)
		}
		if err := kv.SetHB(tx, clk.Now(), nOK); err != nil {
			t.Fatalf("SetHB: %v", err)
		}
		if err := registry.Register(tx, 100, "ca02c2d0-0000-0000-0000-000000001e0a", nOK, ref, "true", ""); err != nil {
			t.Fatalf("Register valid: %v", err)
		}
		// An NDLQ with no matching TBLQ.
		if _, err := kv.PutCNDLQ(tx, nOK, "67b0f588-0000-0000-0000-0000000034be", ref, kv.Cond{MustNotExist: true}); err != nil {
			t.Fatalf("PutCNDLQ orphan: %v", err)
		}
	})

	if _, err := gc.Run(context.Background()); err != nil {
		t.Fatalf("gc.Run: %v", err)
	}

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	entries, _, err := kv.ScanNDLQ(tx, nOK, "", 100)
	if err != nil {
		t.Fatalf("ScanNDLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].LQID != "ca02c2d0-0000-0000-0000-000000001e0a" {
		t.Fatalf("expected only the valid NDLQ to survive, got %+v", entries)
	}
}

// scenario 3: orphan TBLQ (no matching NDLQ).
func TestOrphanTBLQ(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	store, gc := newTestGC(t, clk)
	ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}

	withTx(t, store, func(tx *kv.Txn) {
		if err := kv.SetND(tx, nOK, "ok-node"); err != nil {
			t.Fatalf("SetND: %v", err)
		}
		if err := kv.SetHB(tx, clk.Now(), nOK); err != nil {
			t.Fatalf("SetHB: %v", err)
		}
		if err := registry.Register(tx, 100, "ca02c2d0-0000-0000-0000-000000001e0a", nOK, ref, "true", ""); err != nil {
			t.Fatalf("Register valid: %v", err)
		}
		// A TBLQ owned by nOK with no matching NDLQ.
		if _, err := kv.PutCTBLQ(tx, ref, "97b8fbe4-0000-0000-0000-000000000c49", kv.LiveStatement{Owner: nOK, Filter: "true"}, kv.Cond{MustNotExist: true}); err != nil {
			t.Fatalf("PutCTBLQ orphan: %v", err)
		}
	})

	if _, err := gc.Run(context.Background()); err != nil {
		t.Fatalf("gc.Run: %v", err)
	}

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	entries, _, err := kv.ScanTBLQ(tx, ref, "", 100)
	if err != nil {
		t.Fatalf("ScanTBLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].LQID != "ca02c2d0-0000-0000-0000-000000001e0a" {
		t.Fatalf("expected only the valid TBLQ to survive, got %+v", entries)
	}
}

// scenario 5: race between GC and re-registration. A dead node's live
// query is re-registered under the same id by a fresh node before GC runs;
// GC reaps the dead node without touching the fresh node's TBLQ.
func TestGCLosesRaceToReregistration(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	store, gc := newTestGC(t, clk)
	ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}
	const lqID = "race-lq"
	const deadNode = "dead-node"
	const freshNode = "fresh-node"

	withTx(t, store, func(tx *kv.Txn) {
		if err := kv.SetND(tx, deadNode, "dead"); err != nil {
			t.Fatalf("SetND dead: %v", err)
		}
		if err := registry.Register(tx, 100, lqID, deadNode, ref, "true", ""); err != nil {
			t.Fatalf("Register dead: %v", err)
		}
	})

	// fresh node re-registers the same (ns,db,tb,lqID) before GC runs,
	// simulating the race: the TBLQ's owner and revision both change out
	// from under GC's soon-to-be-stale read.
	withTx(t, store, func(tx *kv.Txn) {
		if err := registry.Deregister(tx, lqID, deadNode, ref); err != nil {
			t.Fatalf("Deregister dead (simulating its own cleanup): %v", err)
		}
		if err := registry.Register(tx, 100, lqID, freshNode, ref, "true", ""); err != nil {
			t.Fatalf("Register fresh: %v", err)
		}
		if err := kv.SetHB(tx, clk.Now(), freshNode); err != nil {
			t.Fatalf("SetHB fresh: %v", err)
		}
	})

	if _, err := gc.Run(context.Background()); err != nil {
		t.Fatalf("gc.Run: %v", err)
	}

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	entries, _, err := kv.ScanTBLQ(tx, ref, "", 100)
	if err != nil {
		t.Fatalf("ScanTBLQ: %v", err)
	}
	if len(entries) != 1 || entries[0].Stmt.Owner != freshNode {
		t.Fatalf("expected fresh-node's registration to survive GC, got %+v", entries)
	}
}

// scenario 7: notification orphan cleanup. A dead node's TBLQ (and its
// notifications) with nothing surviving the earlier passes must have its
// notifications removed by the third pass.
func TestNotificationOrphanCleanup(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	store, gc := newTestGC(t, clk)
	ref := kv.TableRef{NS: "testns", DB: "testdb", TB: "testtb"}
	const deadNode = "dead-node"
	const lqID = "orphan-lq"

	withTx(t, store, func(tx *kv.Txn) {
		if err := kv.SetND(tx, deadNode, "dead"); err != nil {
			t.Fatalf("SetND: %v", err)
		}
		if err := registry.Register(tx, 100, lqID, deadNode, ref, "true", ""); err != nil {
			t.Fatalf("Register: %v", err)
		}
		n := kv.Notification{ID: "notif-1", Action: kv.ActionCreate, RecordID: "r1", Table: ref, LQID: lqID}
		if err := kv.PutNotification(tx, n); err != nil {
			t.Fatalf("PutNotification: %v", err)
		}
	})

	if _, err := gc.Run(context.Background()); err != nil {
		t.Fatalf("gc.Run: %v", err)
	}

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	notifs, _, err := kv.ScanAllNotifications(tx, "", 100)
	if err != nil {
		t.Fatalf("ScanAllNotifications: %v", err)
	}
	if len(notifs) != 0 {
		t.Fatalf("expected the orphaned notification to be removed, got %+v", notifs)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	// A clean pass's own Cond checks swallow every real per-row conflict
	// (see reapNode/removeOrphanTBLQ in gc.go), so Run's retry-then-give-up
	// branch can't be driven by a real concurrent writer here. Force it
	// with a test-only injector standing in for a conflict that never
	// clears, and assert on Run's actual returned error.
	clk := clock.NewManual(1)
	_, gc := newTestGC(t, clk)

	attempts := 0
	gc.conflictInjector = func(attempt int) error {
		attempts++
		return errs.ErrConditionNotMet
	}

	_, err := gc.Run(context.Background())
	if !errors.Is(err, errs.ErrBootstrapConflict) {
		t.Fatalf("Run() error = %v, want wrapping ErrBootstrapConflict", err)
	}
	if attempts != maxAttempts {
		t.Fatalf("conflictInjector called %d times, want %d", attempts, maxAttempts)
	}
}
