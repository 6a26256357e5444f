// Package capture implements change capture (C6): every mutating write to
// the row keyspace records a before/after image in an ordered,
// in-transaction change buffer. The buffer lives only inside the Txn
// (stashed via Txn.SetLocal so this package adds no new state to the KV
// engine itself); it is discarded on rollback and consumed exactly once,
// by the fanout component, at commit time.
package capture

import (
	"encoding/json"

	"github.com/surrealdb-lite/liveq/internal/kv"
)

// Action mirrors kv.NotificationAction; kept separate so this package
// doesn't force every caller to think in notification terms.
type Action string

const (
	Create Action = "CREATE"
	Update Action = "UPDATE"
	Delete Action = "DELETE"
)

// Change is one captured row mutation.
type Change struct {
	Table    kv.TableRef
	RecordID string
	Action   Action
	Before   json.RawMessage
	After    json.RawMessage
}

const localKey = "capture.buffer"

// bufferFor returns the change buffer attached to tx, creating it on first
// use. Ordering within one transaction is insertion order, matching the
// program order of the calls that produced it.
func bufferFor(tx *kv.Txn) *[]Change {
	if v, ok := tx.Local(localKey); ok {
		return v.(*[]Change)
	}
	buf := new([]Change)
	tx.SetLocal(localKey, buf)
	return buf
}

// PutRecord writes a row and appends its before/after image to tx's change
// buffer. Every mutating caller goes through this function rather than
// kv.PutRecord directly, exactly the way the spec requires the KV layer to
// call capture(..) on every row mutation it performs.
func PutRecord(tx *kv.Txn, ref kv.TableRef, recordID string, after json.RawMessage) error {
	before, _, existed, err := kv.GetRecord(tx, ref, recordID)
	if err != nil {
		return err
	}
	if err := kv.PutRecord(tx, ref, recordID, after); err != nil {
		return err
	}

	action := Create
	var beforeData json.RawMessage
	if existed {
		action = Update
		beforeData = before.Data
	}

	buf := bufferFor(tx)
	*buf = append(*buf, Change{
		Table:    ref,
		RecordID: recordID,
		Action:   action,
		Before:   beforeData,
		After:    after,
	})
	return nil
}

// DelRecord deletes a row and appends its before image to tx's change
// buffer. Deleting a row that was never there captures nothing, matching
// the idempotent-delete behavior used elsewhere in this system.
func DelRecord(tx *kv.Txn, ref kv.TableRef, recordID string) error {
	before, _, existed, err := kv.GetRecord(tx, ref, recordID)
	if err != nil {
		return err
	}
	if !existed {
		return nil
	}
	if err := kv.DelRecord(tx, ref, recordID); err != nil {
		return err
	}

	buf := bufferFor(tx)
	*buf = append(*buf, Change{
		Table:    ref,
		RecordID: recordID,
		Action:   Delete,
		Before:   before.Data,
	})
	return nil
}

// Drain returns every change captured so far on tx and clears the buffer.
// The fanout component calls this exactly once, as the last phase of
// commit; a rolled-back transaction never calls it at all, so its buffer
// is simply discarded along with the transaction.
func Drain(tx *kv.Txn) []Change {
	buf := bufferFor(tx)
	out := *buf
	*buf = nil
	return out
}
