// facade.go is the typed façade (C1) over the raw KV engine (C0): one
// function pair per entity in §3 of SPEC_FULL.md, plus JSON encode/decode
// of the structured values. Everything above this file (registry,
// bootstrap, fanout) talks to the store exclusively through these
// functions — nothing outside this package knows a key is ever a string.
package kv

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/surrealdb-lite/liveq/internal/errs"
)

// currentRevision is the highest record revision this binary understands.
// Records written with a higher revision trip ErrUnsupportedRevision on
// read, the versioned-layout escape hatch named in §6.
const currentRevision = 1

// Node is the nd/<node_id> record.
type Node struct {
	ID       string `json:"node_id"`
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

// SetND upserts a node record.
func SetND(tx *Txn, id, name string) error {
	v, err := json.Marshal(Node{ID: id, Name: name, Revision: currentRevision})
	if err != nil {
		return fmt.Errorf("encode node %s: %w", id, err)
	}
	_, err = tx.Set(ndKey(id), v)
	return err
}

// DelND removes a node record unconditionally.
func DelND(tx *Txn, id string) error {
	return tx.Del(ndKey(id))
}

// ScanND pages through every node record, starting after the given key
// (empty to start from the beginning). It returns the next after-cursor
// the caller should pass to continue scanning, or "" when exhausted.
func ScanND(tx *Txn, after string, limit int) (nodes []Node, nextAfter string, err error) {
	items, err := tx.ScanPrefix(prefixNode, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		var n Node
		if err := decodeValue(it.Value, &n); err != nil {
			return nil, "", fmt.Errorf("decode node %s: %w", it.Key, err)
		}
		nodes = append(nodes, n)
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return nodes, nextAfter, nil
}

// Heartbeat is one hb/<timestamp>/<node_id> marker.
type Heartbeat struct {
	Timestamp uint64
	NodeID    string
}

// SetHB writes a heartbeat marker. Heartbeats carry no payload worth
// versioning; the key alone is the record.
func SetHB(tx *Txn, ts uint64, nodeID string) error {
	_, err := tx.Set(hbKey(ts, nodeID), []byte{})
	return err
}

// DelHB removes a single heartbeat marker. Deleting one that is already
// gone is a no-op.
func DelHB(tx *Txn, ts uint64, nodeID string) error {
	return tx.Del(hbKey(ts, nodeID))
}

// ScanHB returns every heartbeat with timestamp >= minTS, i.e. the ones
// within the liveness window when minTS = now - LivenessWindow.
func ScanHB(tx *Txn, minTS uint64, after string, limit int) (hbs []Heartbeat, nextAfter string, err error) {
	start := hbScanStart(minTS)
	if after != "" {
		start = after
	}
	items, err := tx.Scan(start, PrefixUpperBound(prefixHB), limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		var ts uint64
		var nodeID string
		if _, err := fmt.Sscanf(it.Key, prefixHB+"%d/%s", &ts, &nodeID); err != nil {
			return nil, "", fmt.Errorf("parse heartbeat key %s: %w", it.Key, err)
		}
		hbs = append(hbs, Heartbeat{Timestamp: ts, NodeID: nodeID})
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return hbs, nextAfter, nil
}

// TableRef names a (namespace, database, table) triple.
type TableRef struct {
	NS string `json:"ns"`
	DB string `json:"db"`
	TB string `json:"tb"`
}

// NDLQValue is the value stored at ndlq/<node_id>/<lq_id>.
type NDLQValue struct {
	Table    TableRef `json:"table"`
	Revision int      `json:"revision"`
}

// PutCNDLQ writes an NDLQ record under cond.
func PutCNDLQ(tx *Txn, nodeID, lqID string, ref TableRef, cond Cond) (uint64, error) {
	v, err := json.Marshal(NDLQValue{Table: ref, Revision: currentRevision})
	if err != nil {
		return 0, fmt.Errorf("encode ndlq %s/%s: %w", nodeID, lqID, err)
	}
	return tx.PutC(ndlqKey(nodeID, lqID), v, cond)
}

// DelNDLQ deletes an NDLQ record under cond.
func DelNDLQ(tx *Txn, nodeID, lqID string, cond Cond) error {
	return tx.DelC(ndlqKey(nodeID, lqID), cond)
}

// GetNDLQ reads a single NDLQ record.
func GetNDLQ(tx *Txn, nodeID, lqID string) (val NDLQValue, revision uint64, ok bool, err error) {
	raw, rev, ok, err := tx.Get(ndlqKey(nodeID, lqID))
	if err != nil || !ok {
		return NDLQValue{}, 0, ok, err
	}
	if err := decodeValue(raw, &val); err != nil {
		return NDLQValue{}, 0, false, fmt.Errorf("decode ndlq %s/%s: %w", nodeID, lqID, err)
	}
	return val, rev, true, nil
}

// NDLQEntry pairs an NDLQ's live query id with its value and revision, as
// returned by a node-scoped scan.
type NDLQEntry struct {
	LQID     string
	Value    NDLQValue
	Revision uint64
}

// ScanNDLQ pages through every live query owned by nodeID.
func ScanNDLQ(tx *Txn, nodeID, after string, limit int) (entries []NDLQEntry, nextAfter string, err error) {
	prefix := ndlqPrefix(nodeID)
	items, err := tx.ScanPrefix(prefix, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		lqID := it.Key[len(prefix):]
		var v NDLQValue
		if err := decodeValue(it.Value, &v); err != nil {
			return nil, "", fmt.Errorf("decode ndlq %s: %w", it.Key, err)
		}
		entries = append(entries, NDLQEntry{LQID: lqID, Value: v, Revision: it.Revision})
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return entries, nextAfter, nil
}

// LiveStatement is the filter + projection + ownership record stored at
// tblq/<ns>/<db>/<table>/<lq_id>. Filter and Projection are opaque to this
// package: the query-language parser that produces them lives outside the
// scope of this specification.
type LiveStatement struct {
	Owner      string `json:"owner"`
	Filter     string `json:"filter"`
	Projection string `json:"projection,omitempty"`
	Revision   int    `json:"revision"`
}

// PutCTBLQ writes a TBLQ record under cond.
func PutCTBLQ(tx *Txn, ref TableRef, lqID string, stmt LiveStatement, cond Cond) (uint64, error) {
	stmt.Revision = currentRevision
	v, err := json.Marshal(stmt)
	if err != nil {
		return 0, fmt.Errorf("encode tblq %s/%s/%s/%s: %w", ref.NS, ref.DB, ref.TB, lqID, err)
	}
	return tx.PutC(tblqKey(ref.NS, ref.DB, ref.TB, lqID), v, cond)
}

// DelTBLQ deletes a TBLQ record under cond.
func DelTBLQ(tx *Txn, ref TableRef, lqID string, cond Cond) error {
	return tx.DelC(tblqKey(ref.NS, ref.DB, ref.TB, lqID), cond)
}

// GetTBLQ reads a single TBLQ record, used by the bootstrap GC to observe
// the current owner and revision before attempting a conditional delete.
func GetTBLQ(tx *Txn, ref TableRef, lqID string) (stmt LiveStatement, revision uint64, ok bool, err error) {
	raw, rev, ok, err := tx.Get(tblqKey(ref.NS, ref.DB, ref.TB, lqID))
	if err != nil || !ok {
		return LiveStatement{}, 0, ok, err
	}
	if err := decodeValue(raw, &stmt); err != nil {
		return LiveStatement{}, 0, false, fmt.Errorf("decode tblq %s/%s/%s/%s: %w", ref.NS, ref.DB, ref.TB, lqID, err)
	}
	return stmt, rev, true, nil
}

// TBLQEntry pairs a TBLQ's live query id with its statement and revision.
type TBLQEntry struct {
	LQID     string
	Stmt     LiveStatement
	Revision uint64
}

// ScanTBLQ pages through every live query registered on (ns, db, tb).
func ScanTBLQ(tx *Txn, ref TableRef, after string, limit int) (entries []TBLQEntry, nextAfter string, err error) {
	prefix := tblqPrefix(ref.NS, ref.DB, ref.TB)
	items, err := tx.ScanPrefix(prefix, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		lqID := it.Key[len(prefix):]
		var stmt LiveStatement
		if err := decodeValue(it.Value, &stmt); err != nil {
			return nil, "", fmt.Errorf("decode tblq %s: %w", it.Key, err)
		}
		entries = append(entries, TBLQEntry{LQID: lqID, Stmt: stmt, Revision: it.Revision})
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return entries, nextAfter, nil
}

// ScanAllTBLQ pages through every TBLQ record in the store regardless of
// table, used by the GC's orphan-TBLQ pass which must inspect every live
// query, not just one table's.
func ScanAllTBLQ(tx *Txn, after string, limit int) (entries []TBLQFullEntry, nextAfter string, err error) {
	items, err := tx.ScanPrefix(prefixTBLQ, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		ref, lqID, err := parseTBLQKey(it.Key)
		if err != nil {
			return nil, "", err
		}
		var stmt LiveStatement
		if err := decodeValue(it.Value, &stmt); err != nil {
			return nil, "", fmt.Errorf("decode tblq %s: %w", it.Key, err)
		}
		entries = append(entries, TBLQFullEntry{Table: ref, LQID: lqID, Stmt: stmt, Revision: it.Revision})
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return entries, nextAfter, nil
}

// TBLQFullEntry is a TBLQEntry that also carries the table it belongs to,
// needed when scanning across every table at once.
type TBLQFullEntry struct {
	Table    TableRef
	LQID     string
	Stmt     LiveStatement
	Revision uint64
}

func parseTBLQKey(key string) (ref TableRef, lqID string, err error) {
	rest := key[len(prefixTBLQ):]
	parts := splitN(rest, '/', 4)
	if len(parts) != 4 {
		return TableRef{}, "", fmt.Errorf("malformed tblq key %q", key)
	}
	return TableRef{NS: parts[0], DB: parts[1], TB: parts[2]}, parts[3], nil
}

func splitN(s string, sep byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// NotificationAction is the kind of change a notification reports.
type NotificationAction string

const (
	ActionCreate NotificationAction = "CREATE"
	ActionUpdate NotificationAction = "UPDATE"
	ActionDelete NotificationAction = "DELETE"
)

// Notification is the payload stored at
// nt/<ns>/<db>/<table>/<lq_id>/<notification_id>.
type Notification struct {
	ID        string              `json:"notification_id"`
	Action    NotificationAction  `json:"action"`
	RecordID  string              `json:"record_id"`
	Before    json.RawMessage     `json:"before,omitempty"`
	After     json.RawMessage     `json:"after,omitempty"`
	Timestamp uint64              `json:"timestamp"`
	Table     TableRef            `json:"table"`
	LQID      string              `json:"lq_id"`
	Revision  int                 `json:"revision"`
}

// PutNotification writes a notification, assigning it a fresh id prefixed
// with the store's monotonic write counter (see Store.nextRevision) so that
// ScanNotifications's key-ordered scan returns notifications in true write
// order — across separate transactions, not just within one. Folding the
// counter into the key this way means ordering falls out of the existing
// ORDER BY key in Scan for free, rather than needing a second sort pass (or
// a second monotonic value threaded through every caller) at read time.
// Any id the caller set on n is overwritten. Notifications are append-only,
// so there is never a prior value to race against; no condition is needed
// or accepted.
func PutNotification(tx *Txn, n Notification) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	seq := tx.store.nextRevision()
	n.ID = fmt.Sprintf("%0*d-%s", tsWidth, seq, uuid.NewString())
	n.Revision = currentRevision
	v, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	_, err = tx.Set(notifKey(n.Table.NS, n.Table.DB, n.Table.TB, n.LQID, n.ID), v)
	return err
}

// DelNotification removes a single notification once delivered/acked, or
// once GC judges it orphaned.
func DelNotification(tx *Txn, ref TableRef, lqID, notifID string) error {
	return tx.Del(notifKey(ref.NS, ref.DB, ref.TB, lqID, notifID))
}

// ScanNotifications pages through the pending notifications for one live
// query, oldest first: PutNotification prefixes every id with the store's
// monotonic write counter, so the key-ordered scan below is also write-order
// ordered, satisfying the FIFO delivery guarantee across transactions, not
// just within one.
func ScanNotifications(tx *Txn, ref TableRef, lqID, after string, limit int) (notifs []Notification, nextAfter string, err error) {
	prefix := notifLQPrefix(ref.NS, ref.DB, ref.TB, lqID)
	items, err := tx.ScanPrefix(prefix, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		var n Notification
		if err := decodeValue(it.Value, &n); err != nil {
			return nil, "", fmt.Errorf("decode notification %s: %w", it.Key, err)
		}
		notifs = append(notifs, n)
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return notifs, nextAfter, nil
}

// ScanAllNotifications pages through every notification in the store
// regardless of table or live query, used by the GC's third pass.
func ScanAllNotifications(tx *Txn, after string, limit int) (notifs []Notification, nextAfter string, err error) {
	items, err := tx.ScanPrefix(prefixNotif, after, limit)
	if err != nil {
		return nil, "", err
	}
	for _, it := range items {
		var n Notification
		if err := decodeValue(it.Value, &n); err != nil {
			return nil, "", fmt.Errorf("decode notification %s: %w", it.Key, err)
		}
		notifs = append(notifs, n)
	}
	if len(items) > 0 {
		nextAfter = items[len(items)-1].Key + "\x00"
	}
	return notifs, nextAfter, nil
}

// Record is the row payload at rc/<ns>/<db>/<table>/<record_id>. It is the
// only row-level keyspace this specification implements: the query
// language that would produce richer row shapes is out of scope, so
// Record.Data is an opaque JSON document.
type Record struct {
	ID       string          `json:"record_id"`
	Data     json.RawMessage `json:"data"`
	Revision int             `json:"revision"`
}

// GetRecord reads a row. Change capture (package capture) wraps PutRecord
// and DelRecord, never this package directly, so every mutation is
// observed; see capture.PutRecord and capture.DelRecord.
func GetRecord(tx *Txn, ref TableRef, recordID string) (rec Record, revision uint64, ok bool, err error) {
	raw, rev, ok, err := tx.Get(recordKey(ref.NS, ref.DB, ref.TB, recordID))
	if err != nil || !ok {
		return Record{}, 0, ok, err
	}
	if err := decodeValue(raw, &rec); err != nil {
		return Record{}, 0, false, fmt.Errorf("decode record %s: %w", recordID, err)
	}
	return rec, rev, true, nil
}

// PutRecord writes a row, unconditionally.
func PutRecord(tx *Txn, ref TableRef, recordID string, data json.RawMessage) error {
	rec := Record{ID: recordID, Data: data, Revision: currentRevision}
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", recordID, err)
	}
	_, err = tx.Set(recordKey(ref.NS, ref.DB, ref.TB, recordID), v)
	return err
}

// DelRecord removes a row.
func DelRecord(tx *Txn, ref TableRef, recordID string) error {
	return tx.Del(recordKey(ref.NS, ref.DB, ref.TB, recordID))
}

// decodeValue unmarshals a stored value, translating a too-new schema
// version into the typed ErrUnsupportedRevision escape hatch named in §6.
// Every stored struct above embeds a "revision" JSON field for exactly
// this check.
func decodeValue[T any](raw []byte, out *T) error {
	var peek struct {
		Revision int `json:"revision"`
	}
	if err := json.Unmarshal(raw, &peek); err == nil && peek.Revision > currentRevision {
		return errs.ErrUnsupportedRevision
	}
	return json.Unmarshal(raw, out)
}
