// Package registry implements the live-query registry (C5): registration
// and deregistration of live queries under the three-tier NDLQ/TBLQ
// invariant, plus a transaction-scoped lookup cache. Every operation here
// runs inside a caller-supplied *kv.Txn; nothing commits on its own, so a
// failed Register leaves no partial state once the caller rolls its
// transaction back.
package registry

import (
	"fmt"

	"github.com/surrealdb-lite/liveq/internal/errs"
	"github.com/surrealdb-lite/liveq/internal/kv"
)

const countLocalKey = "registry.registration_count"
const cacheLocalKeyPrefix = "registry.tblq_cache."

// Register adds a live query lqID, owned by nodeID, to table ref, with the
// given filter/projection. It writes the TBLQ then the NDLQ in that order
// inside tx; either write failing with ErrConditionNotMet propagates
// unchanged, leaving the whole caller transaction to be rolled back (the
// KV store is atomic at commit, so no partial registration is ever
// observable).
//
// maxPerTxn enforces Config.NewLiveQueriesPerTransaction: the (maxPerTxn+1)th
// call within the same transaction fails with ErrTooManyLiveQueries before
// touching the store.
func Register(tx *kv.Txn, maxPerTxn uint32, lqID, nodeID string, ref kv.TableRef, filter, projection string) error {
	count := registrationCount(tx)
	if count >= maxPerTxn {
		return errs.ErrTooManyLiveQueries
	}

	stmt := kv.LiveStatement{Owner: nodeID, Filter: filter, Projection: projection}
	if _, err := kv.PutCTBLQ(tx, ref, lqID, stmt, kv.Cond{MustNotExist: true}); err != nil {
		return fmt.Errorf("register tblq %s/%s/%s/%s: %w", ref.NS, ref.DB, ref.TB, lqID, err)
	}
	if _, err := kv.PutCNDLQ(tx, nodeID, lqID, ref, kv.Cond{MustNotExist: true}); err != nil {
		return fmt.Errorf("register ndlq %s/%s: %w", nodeID, lqID, err)
	}

	setRegistrationCount(tx, count+1)
	invalidateCache(tx, ref)
	return nil
}

// Deregister removes lqID's NDLQ and TBLQ entries inside tx. It is
// idempotent (P4): deregistering a live query that no longer exists — or
// never did — is a no-op, not an error.
func Deregister(tx *kv.Txn, lqID, nodeID string, ref kv.TableRef) error {
	if err := kv.DelNDLQ(tx, nodeID, lqID, kv.NoCond); err != nil {
		return fmt.Errorf("deregister ndlq %s/%s: %w", nodeID, lqID, err)
	}
	if err := kv.DelTBLQ(tx, ref, lqID, kv.NoCond); err != nil {
		return fmt.Errorf("deregister tblq %s/%s/%s/%s: %w", ref.NS, ref.DB, ref.TB, lqID, err)
	}
	invalidateCache(tx, ref)
	return nil
}

// cacheEntry wraps a cached TBLQ scan so "materialized but empty" can be
// told apart from "invalidated, must re-scan" — both would otherwise look
// like a nil or empty slice.
type cacheEntry struct {
	valid   bool
	entries []kv.TBLQEntry
}

// Lookup returns every live query currently registered on ref. The first
// Lookup for a given table within a transaction materializes the TBLQ scan
// into a transaction-scoped cache; Register/Deregister on that table
// invalidate the cache entry so a later Lookup in the same transaction
// re-reads the store.
func Lookup(tx *kv.Txn, ref kv.TableRef) ([]kv.TBLQEntry, error) {
	key := cacheKey(ref)
	if v, ok := tx.Local(key); ok {
		if ce := v.(cacheEntry); ce.valid {
			return ce.entries, nil
		}
	}

	var all []kv.TBLQEntry
	var after string
	for {
		entries, next, err := kv.ScanTBLQ(tx, ref, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("lookup %s/%s/%s: %w", ref.NS, ref.DB, ref.TB, err)
		}
		all = append(all, entries...)
		if next == "" || len(entries) == 0 {
			break
		}
		after = next
	}

	tx.SetLocal(key, cacheEntry{valid: true, entries: all})
	return all, nil
}

func registrationCount(tx *kv.Txn) uint32 {
	if v, ok := tx.Local(countLocalKey); ok {
		return v.(uint32)
	}
	return 0
}

func setRegistrationCount(tx *kv.Txn, n uint32) {
	tx.SetLocal(countLocalKey, n)
}

func cacheKey(ref kv.TableRef) string {
	return cacheLocalKeyPrefix + ref.NS + "/" + ref.DB + "/" + ref.TB
}

func invalidateCache(tx *kv.Txn, ref kv.TableRef) {
	tx.SetLocal(cacheKey(ref), cacheEntry{valid: false})
}
