// Package errs defines the public error taxonomy shared by every layer of
// the datastore. Components never swallow errors: they either retry
// internally within a documented bound or return one of these sentinels,
// which callers can match with errors.Is.
package errs

import "errors"

var (
	// ErrConditionNotMet is returned by PutC/DelC when the stored value's
	// revision disagrees with the caller's expectation. Retryable.
	ErrConditionNotMet = errors.New("condition not met")

	// ErrConflictRetryable surfaces a ConditionNotMet that survived the
	// component's own bounded retry loop.
	ErrConflictRetryable = errors.New("conflicting write, retry")

	// ErrTooManyLiveQueries is returned when a transaction attempts to
	// register more live queries than NewLiveQueriesPerTransaction allows.
	ErrTooManyLiveQueries = errors.New("too many live queries in transaction")

	// ErrLiveQueryNotFound is returned when a lookup addresses a live
	// query that has no TBLQ record.
	ErrLiveQueryNotFound = errors.New("live query not found")

	// ErrBootstrapConflict is returned when the bootstrap GC exhausts its
	// retry budget without committing a clean pass.
	ErrBootstrapConflict = errors.New("bootstrap gc conflict, giving up for this run")

	// ErrStorage wraps unexpected errors from the underlying KV engine.
	ErrStorage = errors.New("storage error")

	// ErrUnsupportedRevision is returned when a stored record's revision
	// is newer than this binary understands.
	ErrUnsupportedRevision = errors.New("unsupported record revision")

	// ErrFatalStorage is returned by Datastore.Open when the storage layer
	// is corrupt or the clock has jumped backwards by more than a
	// liveness window. The datastore refuses to start.
	ErrFatalStorage = errors.New("fatal storage error")

	// ErrTransactionClosed is returned when Get/Set/Del/Commit is called on
	// a transaction that has already committed or rolled back. Rollback on
	// such a transaction is a no-op that returns nil.
	ErrTransactionClosed = errors.New("transaction already closed")
)
