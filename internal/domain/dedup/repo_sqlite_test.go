package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
	"github.com/ehr/ldtgate/migrations"
)

func openSQLite(t *testing.T) *sqlitedb.DB {
	t.Helper()
	d, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), migrations.SQLite())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestLedgerSQLite_ApplyAndGet(t *testing.T) {
	ctx := context.Background()
	d := openSQLite(t)
	g := NewGate(NewLedgerSQLite(d))

	if _, err := NewLedgerSQLite(d).Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entry, err := g.Apply(ctx, Entry{Key: "ext:42", Fingerprint: "fp", ExternalMessageID: "42", ResultID: "r", EntityID: "e"},
		func(ctx context.Context) error {
			if sqlitedb.TxFromContext(ctx) == nil {
				t.Error("expected applier to run inside the ledger transaction")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if entry.Outcome != OutcomeApplied || entry.ExternalMessageID != "42" || entry.EntityID != "e" {
		t.Errorf("unexpected entry %+v", entry)
	}

	if _, err := g.Apply(ctx, Entry{Key: "ext:42"}, func(context.Context) error { return nil }); !errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("expected ErrAlreadyApplied, got %v", err)
	}
}

func TestLedgerSQLite_ApplierFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	d := openSQLite(t)
	if _, err := d.ExecContext(ctx, `CREATE TABLE side_effect (k TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	ledger := NewLedgerSQLite(d)
	boom := errors.New("boom")

	_, err := NewGate(ledger).Apply(ctx, Entry{Key: "k", Fingerprint: "fp"}, func(ctx context.Context) error {
		if _, err := d.Conn(ctx).ExecContext(ctx, `INSERT INTO side_effect VALUES ('k')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM side_effect`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected side effect rolled back, found %d rows", n)
	}
	if _, err := ledger.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no ledger entry, got %v", err)
	}
}

func TestLedgerSQLite_ConcurrentApply(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewLedgerSQLite(openSQLite(t)))

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Apply(ctx, Entry{Key: "same", Fingerprint: "fp"}, func(context.Context) error {
				atomic.AddInt32(&applied, 1)
				return nil
			})
			if err != nil && !errors.Is(err, ErrAlreadyApplied) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("expected exactly one application, got %d", applied)
	}
}

func TestLedgerSQLite_MarkQuarantined(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedgerSQLite(openSQLite(t))
	g := NewGate(ledger)

	if err := g.MarkQuarantined(ctx, Entry{Key: "q", Fingerprint: "fp"}); err != nil {
		t.Fatalf("MarkQuarantined: %v", err)
	}
	e, err := ledger.Get(ctx, "q")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Outcome != OutcomeQuarantined {
		t.Errorf("expected quarantined, got %s", e.Outcome)
	}
	if _, err := g.Apply(ctx, Entry{Key: "q", Fingerprint: "fp"}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Apply after quarantine: %v", err)
	}
	if err := g.MarkQuarantined(ctx, Entry{Key: "q", Fingerprint: "fp"}); err != nil {
		t.Fatalf("MarkQuarantined: %v", err)
	}
	if e, _ := ledger.Get(ctx, "q"); !e.Applied() {
		t.Errorf("expected applied to stick, got %+v", e)
	}
}
