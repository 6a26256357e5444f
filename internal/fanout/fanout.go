// Package fanout implements the notification fanout (C7): given the change
// buffer a transaction accumulated via package capture, match each change
// against the live-query registry and write the resulting notifications,
// still inside the same transaction so they commit atomically with the
// data that produced them.
package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/surrealdb-lite/liveq/internal/capture"
	"github.com/surrealdb-lite/liveq/internal/clock"
	"github.com/surrealdb-lite/liveq/internal/filter"
	"github.com/surrealdb-lite/liveq/internal/kv"
	"github.com/surrealdb-lite/liveq/internal/registry"
)

// Process drains tx's change buffer and, for every change, evaluates the
// filter of every live query registered on that change's table, writing a
// Notification for each match. Call it once, as the last step before
// tx.Commit(); if it returns an error the caller must roll the transaction
// back instead of committing, per §4.7 step 4 (a malformed filter aborts
// the whole transaction rather than committing partial notifications). It
// returns how many notifications it wrote, for the caller's counters.
func Process(tx *kv.Txn, clk clock.Clock) (int, error) {
	changes := capture.Drain(tx)
	if len(changes) == 0 {
		return 0, nil
	}
	written := 0

	compiled := make(map[string]filter.Expr)

	for _, ch := range changes {
		entries, err := registry.Lookup(tx, ch.Table)
		if err != nil {
			return written, fmt.Errorf("fanout: lookup %s/%s/%s: %w", ch.Table.NS, ch.Table.DB, ch.Table.TB, err)
		}

		image := ch.After
		action := kv.ActionCreate
		switch ch.Action {
		case capture.Update:
			action = kv.ActionUpdate
		case capture.Delete:
			action = kv.ActionDelete
			image = ch.Before
		}

		for _, entry := range entries {
			cacheKey := ch.Table.NS + "/" + ch.Table.DB + "/" + ch.Table.TB + "/" + entry.LQID
			expr, ok := compiled[cacheKey]
			if !ok {
				expr, err = filter.Parse(entry.Stmt.Filter)
				if err != nil {
					return written, fmt.Errorf("fanout: parse filter for %s: %w", entry.LQID, err)
				}
				compiled[cacheKey] = expr
			}

			matched, err := filter.MatchJSON(expr, image)
			if err != nil {
				return written, fmt.Errorf("fanout: evaluate filter for %s: %w", entry.LQID, err)
			}
			if !matched {
				continue
			}

			n := kv.Notification{
				Action:    action,
				RecordID:  ch.RecordID,
				Before:    asRawMessage(ch.Before),
				After:     asRawMessage(ch.After),
				Timestamp: clk.Now(),
				Table:     ch.Table,
				LQID:      entry.LQID,
			}
			if err := kv.PutNotification(tx, n); err != nil {
				return written, fmt.Errorf("fanout: write notification for %s: %w", entry.LQID, err)
			}
			written++
		}
	}

	return written, nil
}

func asRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
