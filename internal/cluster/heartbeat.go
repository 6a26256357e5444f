// Package cluster implements the heartbeat emitter (C3): the single
// background goroutine each process runs to announce its own liveness and
// prune its own stale markers. It mirrors the teacher's pattern of a
// context-driven background loop started from the top-level Open call and
// stopped by cancelling that context, rather than an explicit Stop method.
package cluster

import (
	"context"
	"time"

	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
)

// Emitter periodically writes hb/<now>/<self_id> and prunes its own
// heartbeats older than the liveness window.
type Emitter struct {
	store    *kv.Store
	clk      clock.Clock
	log      *logging.Logger
	selfID   string
	interval time.Duration
	window   time.Duration
}

// NewEmitter constructs an Emitter. It does not start the background loop;
// call Run for that.
func NewEmitter(store *kv.Store, clk clock.Clock, log *logging.Logger, selfID string, interval, window time.Duration) *Emitter {
	return &Emitter{
		store:    store,
		clk:      clk,
		log:      log,
		selfID:   selfID,
		interval: interval,
		window:   window,
	}
}

// Run blocks, ticking every e.interval, until ctx is cancelled. Start it as
// its own goroutine from Datastore.Open.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beat(ctx)
		}
	}
}

// beat writes one heartbeat and prunes this node's expired ones. A failure
// is logged and left for the next tick; the emitter never tears down the
// process over a transient KV error.
func (e *Emitter) beat(ctx context.Context) {
	now := e.clk.Now()
	if err := e.writeAndPrune(ctx, now); err != nil {
		e.log.Warnf("heartbeat: %v", err)
	}
}

func (e *Emitter) writeAndPrune(ctx context.Context, now uint64) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}

	if err := kv.SetHB(tx, now, e.selfID); err != nil {
		tx.Rollback()
		return err
	}

	if err := e.pruneOwn(tx, now); err != nil {
		e.log.Warnf("heartbeat: prune: %v", err)
	}

	return tx.Commit()
}

// pruneOwn best-effort deletes this node's heartbeats older than the
// liveness window. Missing a prune is harmless: a dead node's own
// heartbeats stop mattering once it is reaped by GC, and liveness is
// judged by the newest heartbeat in the window, not by the absence of old
// ones (see DESIGN.md).
func (e *Emitter) pruneOwn(tx *kv.Txn, now uint64) error {
	if now <= e.window {
		return nil
	}
	cutoff := now - e.window

	var after string
	for {
		hbs, next, err := kv.ScanHB(tx, 0, after, 1000)
		if err != nil {
			return err
		}
		for _, hb := range hbs {
			if hb.NodeID != e.selfID {
				continue
			}
			if hb.Timestamp >= cutoff {
				continue
			}
			if err := kv.DelHB(tx, hb.Timestamp, hb.NodeID); err != nil {
				return err
			}
		}
		if next == "" || len(hbs) == 0 {
			return nil
		}
		after = next
	}
}
