// Package delivery implements the delivery loop (C8): one per
// locally-owned live query, spawned on Register and stopped on
// Deregister or datastore Close. It polls the notification keyspace, streams
// matches out over a Go channel to the subscribing consumer, and deletes
// them once acknowledged.
package delivery

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/logging"
)

// ackDedupSize bounds how many recently-acknowledged notification ids the
// loop remembers, so a retried ack from a reconnecting consumer never
// attempts a double delete.
const ackDedupSize = 4096

// Loop streams notifications for one live query to a single consumer.
type Loop struct {
	store        *kv.Store
	ref          kv.TableRef
	lqID         string
	pollInterval time.Duration
	batchSize    uint32
	highWater    uint32
	log          *logging.Logger

	deliveries chan kv.Notification
	acks       chan string
	acked      *lru.Cache[string, struct{}]

	slowConsumer atomic.Int64
}

// New constructs a Loop for lqID on ref. Call Run in its own goroutine to
// start polling; send notification ids received on Deliveries() back to
// Ack() once the consumer has durably processed them.
func New(store *kv.Store, ref kv.TableRef, lqID string, pollInterval time.Duration, batchSize, highWater uint32, log *logging.Logger) *Loop {
	acked, _ := lru.New[string, struct{}](ackDedupSize)
	return &Loop{
		store:        store,
		ref:          ref,
		lqID:         lqID,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		highWater:    highWater,
		log:          log,
		deliveries:   make(chan kv.Notification, batchSize),
		acks:         make(chan string, batchSize),
		acked:        acked,
	}
}

// Deliveries is the channel the consumer reads matched notifications from.
func (l *Loop) Deliveries() <-chan kv.Notification { return l.deliveries }

// Ack tells the loop the consumer has durably processed notificationID; it
// is safe to delete. Acking the same id twice is a harmless no-op.
func (l *Loop) Ack(notificationID string) {
	select {
	case l.acks <- notificationID:
	default:
		// Ack channel full (consumer acking faster than the loop drains
		// it, or the loop has exited): drop it, the unacked notification
		// simply survives to the next poll and gets redelivered.
	}
}

// SlowConsumerCount returns how many times this loop observed more than
// highWater notifications pending at once.
func (l *Loop) SlowConsumerCount() int64 { return l.slowConsumer.Load() }

// Run polls until ctx is cancelled, delivering matched notifications and
// deleting acknowledged ones. Stop the loop by cancelling ctx; Run closes
// nothing on exit other than returning, so the consumer should stop
// reading Deliveries() once ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-l.acks:
			l.processAck(ctx, id)
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Loop) processAck(ctx context.Context, id string) {
	if _, seen := l.acked.Get(id); seen {
		return
	}
	l.acked.Add(id, struct{}{})
	tx, err := l.store.Begin(ctx)
	if err != nil {
		l.log.Warnf("delivery %s: ack begin: %v", l.lqID, err)
		return
	}
	if err := kv.DelNotification(tx, l.ref, l.lqID, id); err != nil {
		tx.Rollback()
		l.log.Warnf("delivery %s: ack delete %s: %v", l.lqID, id, err)
		return
	}
	if err := tx.Commit(); err != nil {
		l.log.Warnf("delivery %s: ack commit %s: %v", l.lqID, id, err)
	}
}

func (l *Loop) poll(ctx context.Context) {
	tx, err := l.store.Begin(ctx)
	if err != nil {
		l.log.Warnf("delivery %s: poll begin: %v", l.lqID, err)
		return
	}
	defer tx.Rollback()

	// Read one past the high-water mark when it is at or above the batch
	// size, so a backlog larger than one batch is still observed.
	limit := int(l.batchSize)
	if int(l.highWater) >= limit {
		limit = int(l.highWater) + 1
	}
	notifs, _, err := kv.ScanNotifications(tx, l.ref, l.lqID, "", limit)
	if err != nil {
		l.log.Warnf("delivery %s: scan notifications: %v", l.lqID, err)
		return
	}

	if uint32(len(notifs)) > l.highWater {
		l.slowConsumer.Add(1)
		l.log.Warnf("delivery %s: more than %d notifications pending (high-water)", l.lqID, l.highWater)
	}
	if l.batchSize > 0 && len(notifs) > int(l.batchSize) {
		notifs = notifs[:l.batchSize]
	}

	for _, n := range notifs {
		select {
		case <-ctx.Done():
			return
		case l.deliveries <- n:
		}
	}
}
