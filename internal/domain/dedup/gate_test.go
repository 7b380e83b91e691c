package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

// =========== Key Tests ===========

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint("01380008220\n")
	b := Fingerprint("01380008220\n")
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
	if Fingerprint("other") == a {
		t.Error("expected different fingerprint for different input")
	}
}

func TestKey_PrefersExternalID(t *testing.T) {
	fp := Fingerprint("x")
	if got := Key("MSG-1", fp); got != "ext:MSG-1" {
		t.Errorf("expected ext key, got %q", got)
	}
	if got := Key("", fp); got != "fp:"+fp {
		t.Errorf("expected fingerprint key, got %q", got)
	}
}

// =========== Gate Tests ===========

func TestGate_CheckUnknown(t *testing.T) {
	g := NewGate(NewMemoryLedger())
	d, err := g.Check(context.Background(), "fp:abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duplicate || d.Entry != nil {
		t.Errorf("expected no decision for unknown key, got %+v", d)
	}
}

func TestGate_ApplyThenDuplicate(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryLedger())

	calls := 0
	entry, err := g.Apply(ctx, Entry{Key: "ext:1", Fingerprint: "fp", ResultID: "r1", EntityID: "e1"},
		func(context.Context) error { calls++; return nil })
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !entry.Applied() || entry.ResultID != "r1" {
		t.Errorf("unexpected entry %+v", entry)
	}

	d, err := g.Check(ctx, "ext:1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Duplicate || d.Entry.ResultID != "r1" {
		t.Errorf("expected duplicate with original result, got %+v", d)
	}

	_, err = g.Apply(ctx, Entry{Key: "ext:1", Fingerprint: "fp"},
		func(context.Context) error { calls++; return nil })
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Errorf("expected ErrAlreadyApplied, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one application, got %d", calls)
	}
}

func TestGate_ApplyFailureLeavesKeyOpen(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryLedger())
	boom := errors.New("store down")

	if _, err := g.Apply(ctx, Entry{Key: "k"}, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	d, err := g.Check(ctx, "k")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Duplicate || d.Entry != nil {
		t.Errorf("expected nothing recorded, got %+v", d)
	}
}

func TestGate_QuarantinedAllowsReattempt(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryLedger())

	if err := g.MarkQuarantined(ctx, Entry{Key: "k", Fingerprint: "fp"}); err != nil {
		t.Fatalf("MarkQuarantined: %v", err)
	}
	d, err := g.Check(ctx, "k")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Duplicate || d.Entry == nil || d.Entry.Outcome != OutcomeQuarantined {
		t.Fatalf("expected quarantined non-duplicate, got %+v", d)
	}
	first := d.Entry.FirstSeenAt

	entry, err := g.Apply(ctx, Entry{Key: "k", Fingerprint: "fp"}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !entry.FirstSeenAt.Equal(first) {
		t.Errorf("expected first-seen %v kept, got %v", first, entry.FirstSeenAt)
	}

	// an applied key stays applied
	if err := g.MarkQuarantined(ctx, Entry{Key: "k", Fingerprint: "fp"}); err != nil {
		t.Fatalf("MarkQuarantined: %v", err)
	}
	if d, _ := g.Check(ctx, "k"); !d.Duplicate {
		t.Error("expected key to remain applied")
	}
}

func TestGate_ConcurrentApplyRunsOnce(t *testing.T) {
	ctx := context.Background()
	g := NewGate(NewMemoryLedger())

	var applied int32
	var dupes int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Apply(ctx, Entry{Key: "same", Fingerprint: "fp"}, func(context.Context) error {
				atomic.AddInt32(&applied, 1)
				return nil
			})
			if errors.Is(err, ErrAlreadyApplied) {
				atomic.AddInt32(&dupes, 1)
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("expected exactly one application, got %d", applied)
	}
	if dupes != 31 {
		t.Errorf("expected 31 duplicates, got %d", dupes)
	}
}

func TestGate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGate(NewMemoryLedger())
	called := false
	_, err := g.Apply(ctx, Entry{Key: "k"}, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("expected fn not to run on a cancelled context")
	}
}
