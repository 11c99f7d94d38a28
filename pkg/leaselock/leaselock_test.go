package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeLock struct {
	holder  string
	expires time.Time
}

// fakeDB emulates the app_locks statements in memory.
type fakeDB struct {
	mu        sync.Mutex
	locks     map[string]fakeLock
	failRenew bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{locks: make(map[string]fakeLock)}
}

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.key
	return nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	key, token, ttl := args[0].(string), args[1].(string), time.Duration(args[2].(int64))*time.Millisecond
	now := time.Now()
	cur, held := db.locks[key]

	switch sql {
	case tryAcquireSQL:
		if held && cur.expires.After(now) && cur.holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		db.locks[key] = fakeLock{holder: token, expires: now.Add(ttl)}
		return fakeRow{key: key}
	case renewSQL:
		if db.failRenew || !held || cur.holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		cur.expires = now.Add(ttl)
		db.locks[key] = cur
		return fakeRow{key: key}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if sql != releaseSQL {
		return pgconn.CommandTag{}, errors.New("unexpected statement")
	}
	key, token := args[0].(string), args[1].(string)
	if cur, ok := db.locks[key]; ok && cur.holder == token {
		delete(db.locks, key)
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (db *fakeDB) setFailRenew(v bool) {
	db.mu.Lock()
	db.failRenew = v
	db.mu.Unlock()
}

func TestAcquire_BusyAndRelease(t *testing.T) {
	c := New(newFakeDB())
	ctx := context.Background()

	first, err := c.Acquire(ctx, ReportKey("g1"), Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	_, err = c.Acquire(ctx, ReportKey("g1"), Options{TTL: time.Minute})
	if !errors.Is(err, ErrBusy) || !common.IsTransient(err) {
		t.Fatalf("expected transient ErrBusy, got %v", err)
	}

	// Other keys are independent.
	other, err := c.Acquire(ctx, ReportKey("g2"), Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire(g2) failed: %v", err)
	}
	defer other.Release(ctx)

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if first.Context.Err() == nil {
		t.Fatal("expected lease context to be cancelled after release")
	}
	if first.Lost() != nil {
		t.Fatalf("a released lease is not lost, got %v", first.Lost())
	}

	second, err := c.Acquire(ctx, ReportKey("g1"), Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	_ = second.Release(ctx)
}

func TestAcquire_WaitsForHolder(t *testing.T) {
	c := New(newFakeDB())
	ctx := context.Background()

	held, err := c.Acquire(ctx, "k", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l, err := c.Acquire(waitCtx, "k", Options{TTL: time.Minute, Wait: true, WaitInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected waiting acquire to succeed, got %v", err)
	}
	_ = l.Release(ctx)
}

func TestAcquire_WaitHonoursContext(t *testing.T) {
	c := New(newFakeDB())
	held, err := c.Acquire(context.Background(), "k", Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "k", Options{Wait: true, WaitInterval: 5 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquire_EmptyKey(t *testing.T) {
	_, err := New(newFakeDB()).Acquire(context.Background(), "", Options{})
	if !common.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithLease_LostLeaseCancelsContext(t *testing.T) {
	db := newFakeDB()
	c := New(db)
	db.setFailRenew(true)

	err := c.WithLease(context.Background(), "k", Options{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond},
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				return errors.New("lease context was never cancelled")
			}
		})
	if !errors.Is(err, ErrLost) {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.TTL != defaultTTL || o.RenewEvery != defaultTTL/2 || o.WaitInterval != defaultWaitInterval {
		t.Fatalf("unexpected defaults %+v", o)
	}
	o = Options{TTL: time.Second, RenewEvery: 5 * time.Second}.withDefaults()
	if o.RenewEvery != time.Second {
		t.Fatalf("expected renew interval clamped to 1s, got %v", o.RenewEvery)
	}
}
