// Package bootstrap implements the bootstrap garbage collector (C4): the
// procedure that restores the §3 invariants — every NDLQ has a matching
// live-owned TBLQ, every TBLQ has a matching NDLQ when its owner is alive,
// every notification belongs to a surviving TBLQ — after nodes disappear
// mid-transaction. It runs once synchronously at datastore open and again
// on a periodic timer.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/errs"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
)

const (
	maxAttempts      = 5
	initialBackoff   = 50 * time.Millisecond
	maxBackoff       = 2 * time.Second
)

// GC runs the bootstrap pass described in SPEC_FULL.md §4.4.
type GC struct {
	store          *kv.Store
	clk            clock.Clock
	log            *logging.Logger
	selfID         string
	livenessWindow time.Duration
	notifScanCap   uint32

	// conflictInjector, when set, is consulted once per attempt right
	// before a would-be-clean pass commits. Tests use it to force the
	// retry/give-up path in Run deterministically, since a clean pass's
	// own Cond checks swallow every real conflict per-row (decision 3 in
	// DESIGN.md's Open Question list) and never actually propagate one up
	// to Run in normal operation.
	conflictInjector func(attempt int) error
}

// NewGC constructs a GC. notifScanCap bounds how many notifications the
// third pass inspects per run (Config.GCNotificationScanCap).
func NewGC(store *kv.Store, clk clock.Clock, log *logging.Logger, selfID string, livenessWindow time.Duration, notifScanCap uint32) *GC {
	return &GC{
		store:          store,
		clk:            clk,
		log:            log,
		selfID:         selfID,
		livenessWindow: livenessWindow,
		notifScanCap:   notifScanCap,
	}
}

// Summary reports what one successful pass did. Run logs it and returns
// it to the caller.
type Summary struct {
	NodesReaped          int
	OrphanTBLQRemoved    int
	NotificationsRemoved int
	NotificationsSkipped int
}

// Run attempts the full pass, retrying on ErrConditionNotMet with jittered
// exponential backoff up to maxAttempts times before giving up with
// ErrBootstrapConflict. The caller (periodic timer) retries again on its
// next tick.
func (g *GC) Run(ctx context.Context) (Summary, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2+1)))
			select {
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		summary, err := g.runOnce(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				g.log.Infof("bootstrap gc: succeeded on attempt %d", attempt+1)
			}
			g.log.Infof("bootstrap gc: reaped %d nodes, removed %d orphan tblq, removed %d orphan notifications",
				summary.NodesReaped, summary.OrphanTBLQRemoved, summary.NotificationsRemoved)
			return summary, nil
		}
		if !errors.Is(err, errs.ErrConditionNotMet) {
			return Summary{}, err
		}
		lastErr = err
		g.log.Warnf("bootstrap gc: conflict on attempt %d, retrying: %v", attempt+1, err)
	}

	return Summary{}, fmt.Errorf("%w: %v", errs.ErrBootstrapConflict, lastErr)
}

func (g *GC) runOnce(ctx context.Context, attempt int) (Summary, error) {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary, err := g.pass(tx)
	if err != nil {
		tx.Rollback()
		return Summary{}, err
	}

	if g.conflictInjector != nil {
		if err := g.conflictInjector(attempt); err != nil {
			tx.Rollback()
			return Summary{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

func (g *GC) pass(tx *kv.Txn) (Summary, error) {
	var summary Summary

	live, err := g.liveNodeSet(tx)
	if err != nil {
		return summary, fmt.Errorf("bootstrap: scan heartbeats: %w", err)
	}
	live[g.selfID] = struct{}{}

	dead, err := g.deadNodes(tx, live)
	if err != nil {
		return summary, fmt.Errorf("bootstrap: scan nodes: %w", err)
	}

	for _, nodeID := range dead {
		reaped, err := g.reapNode(tx, nodeID)
		if err != nil {
			return summary, err
		}
		if reaped {
			summary.NodesReaped++
		}
	}

	orphans, err := g.removeOrphanTBLQ(tx, live)
	if err != nil {
		return summary, err
	}
	summary.OrphanTBLQRemoved = orphans

	removed, skipped, err := g.removeOrphanNotifications(tx)
	if err != nil {
		return summary, err
	}
	summary.NotificationsRemoved = removed
	summary.NotificationsSkipped = skipped
	if skipped > 0 {
		g.log.Warnf("bootstrap gc: notification scan cap reached, %d notifications left for next run", skipped)
	}

	return summary, nil
}

// liveNodeSet is step 1: every node referenced by a heartbeat within the
// liveness window.
func (g *GC) liveNodeSet(tx *kv.Txn) (map[string]struct{}, error) {
	now := g.clk.Now()
	var minTS uint64
	if now > uint64(g.livenessWindow) {
		minTS = now - uint64(g.livenessWindow)
	}

	live := make(map[string]struct{})
	var after string
	for {
		hbs, next, err := kv.ScanHB(tx, minTS, after, 1000)
		if err != nil {
			return nil, err
		}
		for _, hb := range hbs {
			live[hb.NodeID] = struct{}{}
		}
		if next == "" || len(hbs) == 0 {
			break
		}
		after = next
	}
	return live, nil
}

// deadNodes is step 2: every registered node not in live.
func (g *GC) deadNodes(tx *kv.Txn, live map[string]struct{}) ([]string, error) {
	var dead []string
	var after string
	for {
		nodes, next, err := kv.ScanND(tx, after, 1000)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if _, ok := live[n.ID]; !ok {
				dead = append(dead, n.ID)
			}
		}
		if next == "" || len(nodes) == 0 {
			break
		}
		after = next
	}
	return dead, nil
}

// reapNode is step 3: remove a dead node's NDLQ entries, the TBLQ records
// they point at (guarded by an expected-owner revision so a winning
// concurrent GC or a fresh re-registration is never clobbered), and
// finally the Node record itself.
func (g *GC) reapNode(tx *kv.Txn, nodeID string) (bool, error) {
	var after string
	for {
		entries, next, err := kv.ScanNDLQ(tx, nodeID, after, 1000)
		if err != nil {
			return false, fmt.Errorf("bootstrap: scan ndlq for %s: %w", nodeID, err)
		}
		for _, entry := range entries {
			if err := kv.DelNDLQ(tx, nodeID, entry.LQID, kv.NoCond); err != nil {
				return false, fmt.Errorf("bootstrap: delete ndlq %s/%s: %w", nodeID, entry.LQID, err)
			}

			stmt, rev, ok, err := kv.GetTBLQ(tx, entry.Value.Table, entry.LQID)
			if err != nil {
				return false, fmt.Errorf("bootstrap: get tblq for %s/%s: %w", nodeID, entry.LQID, err)
			}
			if !ok || stmt.Owner != nodeID {
				// Already gone, or re-owned by a fresh registration:
				// nothing for this dead node to clean up here.
				continue
			}
			if err := kv.DelTBLQ(tx, entry.Value.Table, entry.LQID, kv.Cond{ExpectRevision: rev}); err != nil {
				if errors.Is(err, errs.ErrConditionNotMet) {
					// Lost the tie-break: another GC pass or a fresh
					// registration already changed this record.
					continue
				}
				return false, fmt.Errorf("bootstrap: delete tblq for %s/%s: %w", nodeID, entry.LQID, err)
			}
		}
		if next == "" || len(entries) == 0 {
			break
		}
		after = next
	}

	if err := kv.DelND(tx, nodeID); err != nil {
		return false, fmt.Errorf("bootstrap: delete node %s: %w", nodeID, err)
	}
	return true, nil
}

// removeOrphanTBLQ is step 4 (invariant 2): a TBLQ whose owner is not live,
// or whose owner is live but has no matching NDLQ (the node died between
// writing the two records), is removed.
func (g *GC) removeOrphanTBLQ(tx *kv.Txn, live map[string]struct{}) (int, error) {
	removed := 0
	var after string
	for {
		entries, next, err := kv.ScanAllTBLQ(tx, after, 1000)
		if err != nil {
			return removed, fmt.Errorf("bootstrap: scan all tblq: %w", err)
		}
		for _, entry := range entries {
			_, ownerLive := live[entry.Stmt.Owner]
			_, _, ndlqExists, err := kv.GetNDLQ(tx, entry.Stmt.Owner, entry.LQID)
			if err != nil {
				return removed, fmt.Errorf("bootstrap: get ndlq for %s/%s: %w", entry.Stmt.Owner, entry.LQID, err)
			}
			if ownerLive && ndlqExists {
				continue
			}
			if err := kv.DelTBLQ(tx, entry.Table, entry.LQID, kv.Cond{ExpectRevision: entry.Revision}); err != nil {
				if errors.Is(err, errs.ErrConditionNotMet) {
					continue
				}
				return removed, fmt.Errorf("bootstrap: delete orphan tblq %s/%s: %w", entry.Table.TB, entry.LQID, err)
			}
			removed++
		}
		if next == "" || len(entries) == 0 {
			break
		}
		after = next
	}
	return removed, nil
}

// removeOrphanNotifications is step 5 (invariant 3): a notification whose
// TBLQ no longer exists is removed, bounded by notifScanCap per run. Any
// notifications left beyond the cap are simply not inspected this pass;
// they remain candidates for the next one.
func (g *GC) removeOrphanNotifications(tx *kv.Txn) (removed, skipped int, err error) {
	scanCap := int(g.notifScanCap)
	if scanCap <= 0 {
		scanCap = 10000
	}

	scanned := 0
	var after string
	for scanned < scanCap {
		limit := scanCap - scanned
		if limit > 1000 {
			limit = 1000
		}
		notifs, next, err := kv.ScanAllNotifications(tx, after, limit)
		if err != nil {
			return removed, skipped, fmt.Errorf("bootstrap: scan all notifications: %w", err)
		}
		for _, n := range notifs {
			scanned++
			_, _, tblqExists, err := kv.GetTBLQ(tx, n.Table, n.LQID)
			if err != nil {
				return removed, skipped, fmt.Errorf("bootstrap: get tblq for notification %s: %w", n.ID, err)
			}
			if tblqExists {
				continue
			}
			if err := kv.DelNotification(tx, n.Table, n.LQID, n.ID); err != nil {
				return removed, skipped, fmt.Errorf("bootstrap: delete orphan notification %s: %w", n.ID, err)
			}
			removed++
		}
		if len(notifs) == 0 {
			return removed, skipped, nil
		}
		if next == "" {
			return removed, skipped, nil
		}
		after = next
	}

	// The cap was hit with more notifications still unscanned: count the
	// remainder so the caller can log an accurate backlog size.
	for {
		notifs, next, err := kv.ScanAllNotifications(tx, after, 1000)
		if err != nil {
			return removed, skipped, fmt.Errorf("bootstrap: count remaining notifications: %w", err)
		}
		skipped += len(notifs)
		if next == "" || len(notifs) == 0 {
			return removed, skipped, nil
		}
		after = next
	}
}
