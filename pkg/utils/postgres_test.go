package utils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 3}.withDefaults()
	if c.MaxOpenConns != 3 {
		t.Fatalf("explicit value overridden: %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns != 3 {
		t.Fatalf("idle conns must not exceed open conns, got %d", c.MaxIdleConns)
	}
	if c.StartupAttempts != 5 || c.StartupBackoff != time.Second || c.PingTimeout != 3*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}

	c = PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 10 || c.MaxIdleConns != 5 {
		t.Fatalf("unexpected pool defaults: %+v", c)
	}
}

// flakyDriver refuses connections until it has been dialed failures times.
type flakyDriver struct {
	failures int32
	dials    atomic.Int32
}

var errRefused = errors.New("connection refused")

func (d *flakyDriver) Open(string) (driver.Conn, error) {
	if d.dials.Add(1) <= d.failures {
		return nil, errRefused
	}
	return fakeConn{}, nil
}

type fakeConn struct{}

func (fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (fakeConn) Close() error                        { return nil }
func (fakeConn) Begin() (driver.Tx, error)           { return fakeTx{}, nil }

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

func TestOpenPostgres_RetriesUntilReady(t *testing.T) {
	d := &flakyDriver{failures: 2}
	sql.Register("flaky-retry", d)

	db, err := OpenPostgres(context.Background(), "flaky-retry", "", PostgresPoolConfig{
		StartupAttempts: 5,
		StartupBackoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer db.Close()
	if got := d.dials.Load(); got != 3 {
		t.Fatalf("expected 3 dials, got %d", got)
	}
}

func TestOpenPostgres_GivesUp(t *testing.T) {
	d := &flakyDriver{failures: 100}
	sql.Register("flaky-down", d)

	_, err := OpenPostgres(context.Background(), "flaky-down", "", PostgresPoolConfig{
		StartupAttempts: 3,
		StartupBackoff:  time.Millisecond,
	})
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected refused error, got %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	sql.Register("flaky-tx", &flakyDriver{})
	db, err := sql.Open("flaky-tx", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer db.Close()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return nil }); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}
