package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/surrealdb-lite/liveq/internal/errs"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDel(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, rev, ok, err := tx.Get("k1")
	if err != nil || !ok {
		t.Fatalf("Get: v=%s ok=%v err=%v", v, ok, err)
	}
	if string(v) != "v1" || rev == 0 {
		t.Fatalf("Get returned v=%s rev=%d", v, rev)
	}
	if err := tx.Del("k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	_, _, ok, err = tx.Get("k1")
	if err != nil || ok {
		t.Fatalf("expected key gone after Del, ok=%v err=%v", ok, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestPutCMustNotExist(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	if _, err := tx.PutC("k", []byte("a"), Cond{MustNotExist: true}); err != nil {
		t.Fatalf("first PutC should succeed: %v", err)
	}
	if _, err := tx.PutC("k", []byte("b"), Cond{MustNotExist: true}); !errors.Is(err, errs.ErrConditionNotMet) {
		t.Fatalf("second PutC should fail ConditionNotMet, got %v", err)
	}
}

func TestPutCExpectRevision(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	rev, err := tx.Set("k", []byte("a"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := tx.PutC("k", []byte("b"), Cond{ExpectRevision: rev + 1}); !errors.Is(err, errs.ErrConditionNotMet) {
		t.Fatalf("wrong expected revision should fail, got %v", err)
	}
	if _, err := tx.PutC("k", []byte("b"), Cond{ExpectRevision: rev}); err != nil {
		t.Fatalf("correct expected revision should succeed: %v", err)
	}
}

func TestDelCIdempotentUnderNoCond(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	if err := tx.Del("absent"); err != nil {
		t.Fatalf("deleting absent key under NoCond should be a no-op: %v", err)
	}
}

func TestDelCMustExistOnAbsent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	if err := tx.DelC("absent", Cond{MustExist: true}); !errors.Is(err, errs.ErrConditionNotMet) {
		t.Fatalf("DelC MustExist on absent key should fail ConditionNotMet, got %v", err)
	}
}

func TestScanPagination(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	for _, k := range []string{"p/a", "p/b", "p/c", "p/d", "q/a"} {
		if _, err := tx.Set(k, []byte("x")); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	var all []Item
	after := ""
	for {
		items, err := tx.ScanPrefix("p/", after, 2)
		if err != nil {
			t.Fatalf("ScanPrefix: %v", err)
		}
		if len(items) == 0 {
			break
		}
		all = append(all, items...)
		after = items[len(items)-1].Key + "\x00"
		if len(items) < 2 {
			break
		}
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 items under prefix p/, got %d", len(all))
	}
}

func TestTransactionObservesOwnWrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	if _, err := tx.Set("own", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, _, ok, err := tx.Get("own")
	if err != nil || !ok {
		t.Fatalf("transaction should observe its own uncommitted write: ok=%v err=%v", ok, err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	if _, err := tx.Set("gone", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	defer tx2.Rollback()
	_, _, ok, err := tx2.Get("gone")
	if err != nil || ok {
		t.Fatalf("rolled-back write should not be visible, ok=%v err=%v", ok, err)
	}
}

func TestClosedTransactionRejectsOps(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, _, _, err := tx.Get("k"); !errors.Is(err, errs.ErrTransactionClosed) {
		t.Fatalf("Get on closed tx should fail, got %v", err)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := map[string]string{
		"nd/":  "nd0",
		"a":    "b",
		"":     "",
		"\xff": "",
	}
	for prefix, want := range cases {
		if got := PrefixUpperBound(prefix); got != want {
			t.Errorf("PrefixUpperBound(%q) = %q, want %q", prefix, got, want)
		}
	}
}
