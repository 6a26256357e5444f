package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
)

func openStore(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open("")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func scanHeartbeats(t *testing.T, store *kv.Store) []kv.Heartbeat {
	t.Helper()
	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	hbs, _, err := kv.ScanHB(tx, 0, "", 1000)
	if err != nil {
		t.Fatalf("ScanHB: %v", err)
	}
	return hbs
}

func TestEmitterWritesHeartbeat(t *testing.T) {
	store := openStore(t)
	clk := clock.NewManual(1000)
	log := logging.Default()
	e := NewEmitter(store, clk, log, "self-1", time.Second, 100)

	e.beat(context.Background())

	hbs := scanHeartbeats(t, store)
	if len(hbs) != 1 || hbs[0].NodeID != "self-1" || hbs[0].Timestamp != 1000 {
		t.Fatalf("unexpected heartbeats: %+v", hbs)
	}
}

func TestEmitterPrunesOwnExpiredHeartbeats(t *testing.T) {
	store := openStore(t)
	clk := clock.NewManual(0)
	log := logging.Default()
	e := NewEmitter(store, clk, log, "self-1", time.Second, 100)

	e.beat(context.Background()) // writes ts=0

	clk.Set(50)
	e.beat(context.Background()) // writes ts=50, cutoff=50-100<0 -> no prune yet

	clk.Set(250)
	e.beat(context.Background()) // writes ts=250, cutoff=150, prunes ts=0 and ts=50

	hbs := scanHeartbeats(t, store)
	if len(hbs) != 1 || hbs[0].Timestamp != 250 {
		t.Fatalf("expected only the latest heartbeat to survive pruning, got %+v", hbs)
	}
}

func TestEmitterDoesNotPruneOtherNodes(t *testing.T) {
	store := openStore(t)
	clk := clock.NewManual(0)
	log := logging.Default()

	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := kv.SetHB(tx, 0, "other-node"); err != nil {
		t.Fatalf("SetHB: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	e := NewEmitter(store, clk, log, "self-1", time.Second, 100)
	clk.Set(500)
	e.beat(context.Background())

	hbs := scanHeartbeats(t, store)
	foundOther := false
	for _, hb := range hbs {
		if hb.NodeID == "other-node" {
			foundOther = true
		}
	}
	if !foundOther {
		t.Fatalf("expected other-node's heartbeat to survive this node's prune pass, got %+v", hbs)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := openStore(t)
	clk := clock.NewManual(1)
	log := logging.Default()
	e := NewEmitter(store, clk, log, "self-1", 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	hbs := scanHeartbeats(t, store)
	if len(hbs) == 0 {
		t.Fatalf("expected at least one heartbeat written before cancellation")
	}
}
