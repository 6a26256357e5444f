// Package datastore wires C0 through C8 behind a single entry point
// (C9): Open creates the KV engine, runs bootstrap GC synchronously, and
// starts the heartbeat emitter and periodic GC timer as background
// goroutines owned by a context, the same shape as the teacher's
// core.Engine owning a cancel func for its own watch goroutines.
package datastore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/surrealdb-lite/liveq/internal/bootstrap"
	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/cluster"
	"github.com/surrealdb-lite/liveq/internal/config"
	"github.com/surrealdb-lite/liveq/internal/delivery"
	"github.com/surrealdb-lite/liveq/internal/errs"
	"github.com/surrealdb-lite/liveq/internal/fanout"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
	"github.com/surrealdb-lite/liveq/internal/registry"
)

// Stats are the atomic counters C11 exposes for the CLI's status command.
type Stats struct {
	NotificationsWritten int64
	GCPassesRun          int64
	GCConflictsRetried   int64
	SlowConsumerSignals  int64
}

// Datastore is the single exported entry point wiring every component
// together. Construct one with Open; shut it down with Close.
type Datastore struct {
	cfg    config.Config
	clk    clock.Clock
	store  *kv.Store
	log    *logging.Logger
	selfID string

	gc      *bootstrap.GC
	emitter *cluster.Emitter
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*loopHandle

	notificationsWritten atomic.Int64
	gcPassesRun          atomic.Int64
	gcConflictsRetried   atomic.Int64
}

type loopHandle struct {
	loop   *delivery.Loop
	cancel context.CancelFunc
}

// Open creates the KV engine at path (empty for in-memory), runs bootstrap
// GC synchronously so the datastore never serves traffic against a
// dirty invariant set, then starts the heartbeat emitter and periodic GC
// timer as background goroutines. clk is typically clock.NewSystem(); log
// may be nil for logging.Default().
func Open(path string, cfg config.Config, clk clock.Clock, log *logging.Logger) (*Datastore, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = logging.Default()
	}

	store, err := kv.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open kv store: %v", errs.ErrFatalStorage, err)
	}

	selfID := uuid.NewString()
	log = log.WithNode(selfID)

	tx, err := store.Begin(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: begin self-registration: %v", errs.ErrFatalStorage, err)
	}
	if err := kv.SetND(tx, selfID, selfID); err != nil {
		tx.Rollback()
		store.Close()
		return nil, fmt.Errorf("%w: register self node: %v", errs.ErrFatalStorage, err)
	}
	if err := tx.Commit(); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: commit self-registration: %v", errs.ErrFatalStorage, err)
	}

	gc := bootstrap.NewGC(store, clk, log, selfID, cfg.LivenessWindow, cfg.GCNotificationScanCap)
	emitter := cluster.NewEmitter(store, clk, log, selfID, cfg.HeartbeatInterval, cfg.LivenessWindow)

	ctx, cancel := context.WithCancel(context.Background())
	ds := &Datastore{
		cfg:     cfg,
		clk:     clk,
		store:   store,
		log:     log,
		selfID:  selfID,
		gc:      gc,
		emitter: emitter,
		cancel:  cancel,
		loops:   make(map[string]*loopHandle),
	}

	if _, err := gc.Run(context.Background()); err != nil {
		store.Close()
		cancel()
		return nil, fmt.Errorf("bootstrap at open: %w", err)
	}
	ds.gcPassesRun.Add(1)

	ds.wg.Add(2)
	go func() { defer ds.wg.Done(); emitter.Run(ctx) }()
	go func() { defer ds.wg.Done(); ds.runGCTimer(ctx) }()

	return ds, nil
}

// SelfID returns this process's node id.
func (ds *Datastore) SelfID() string { return ds.selfID }

func (ds *Datastore) runGCTimer(ctx context.Context) {
	ticker := time.NewTicker(ds.cfg.GCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ds.gc.Run(ctx); err != nil {
				ds.gcConflictsRetried.Add(1)
				ds.log.Warnf("periodic gc: %v", err)
				continue
			}
			ds.gcPassesRun.Add(1)
		}
	}
}

// Begin starts a new write transaction against the underlying store.
func (ds *Datastore) Begin(ctx context.Context) (*kv.Txn, error) {
	return ds.store.Begin(ctx)
}

// RegisterLiveQuery registers lqID for nodeID on ref with the given
// filter, inside tx, and spawns this node's delivery loop for it if nodeID
// is this process's own id. Callers still must call tx.Commit().
func (ds *Datastore) RegisterLiveQuery(tx *kv.Txn, lqID, nodeID string, ref kv.TableRef, filter string) error {
	if err := registry.Register(tx, ds.cfg.NewLiveQueriesPerTransaction, lqID, nodeID, ref, filter, ""); err != nil {
		return err
	}
	if nodeID == ds.selfID {
		ds.startLoop(lqID, ref)
	}
	return nil
}

// DeregisterLiveQuery removes lqID's bookkeeping inside tx and stops its
// local delivery loop, if one is running.
func (ds *Datastore) DeregisterLiveQuery(tx *kv.Txn, lqID, nodeID string, ref kv.TableRef) error {
	if err := registry.Deregister(tx, lqID, nodeID, ref); err != nil {
		return err
	}
	ds.stopLoop(lqID)
	return nil
}

// CommitWithFanout runs notification fanout over tx's captured changes and
// commits it. Every caller that mutated records through package capture
// should commit through this method rather than calling tx.Commit()
// directly, so C7 always runs before the data it diffed becomes visible.
func (ds *Datastore) CommitWithFanout(tx *kv.Txn) error {
	written, err := fanout.Process(tx, ds.clk)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ds.notificationsWritten.Add(int64(written))
	return nil
}

func (ds *Datastore) startLoop(lqID string, ref kv.TableRef) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, exists := ds.loops[lqID]; exists {
		return
	}

	pollInterval := ds.cfg.HeartbeatInterval / 6
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	loop := delivery.New(ds.store, ref, lqID, pollInterval, ds.cfg.LiveQueryCatchupSize, ds.cfg.DeliveryHighWater, ds.log)
	ctx, cancel := context.WithCancel(context.Background())
	ds.loops[lqID] = &loopHandle{loop: loop, cancel: cancel}

	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		loop.Run(ctx)
	}()
}

func (ds *Datastore) stopLoop(lqID string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	h, ok := ds.loops[lqID]
	if !ok {
		return
	}
	h.cancel()
	delete(ds.loops, lqID)
}

// Loop returns the running delivery loop for lqID, if this process owns
// one, so callers can read its Deliveries() channel and send Acks.
func (ds *Datastore) Loop(lqID string) (*delivery.Loop, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	h, ok := ds.loops[lqID]
	if !ok {
		return nil, false
	}
	return h.loop, true
}

// Stats returns a snapshot of the observability counters.
func (ds *Datastore) Stats() Stats {
	return Stats{
		NotificationsWritten: ds.notificationsWritten.Load(),
		GCPassesRun:          ds.gcPassesRun.Load(),
		GCConflictsRetried:   ds.gcConflictsRetried.Load(),
		SlowConsumerSignals:  ds.slowConsumerTotal(),
	}
}

func (ds *Datastore) slowConsumerTotal() int64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var total int64
	for _, h := range ds.loops {
		total += h.loop.SlowConsumerCount()
	}
	return total
}

// Close shuts background tasks down in reverse order of creation, waiting
// up to 5s for them to exit, then closes the KV engine.
func (ds *Datastore) Close(ctx context.Context) error {
	ds.mu.Lock()
	for lqID, h := range ds.loops {
		h.cancel()
		delete(ds.loops, lqID)
	}
	ds.mu.Unlock()

	ds.cancel()

	done := make(chan struct{})
	go func() {
		ds.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		ds.log.Warnf("close: background tasks did not stop within 5s, closing store anyway")
	case <-ctx.Done():
	}

	return ds.store.Close()
}

