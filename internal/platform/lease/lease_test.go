package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLocal_AlwaysGrants(t *testing.T) {
	l := Local()
	for i := 0; i < 2; i++ {
		release, ok, err := l.Acquire(context.Background(), "sweeper", time.Second)
		if err != nil || !ok {
			t.Fatalf("expected lease, got ok=%v err=%v", ok, err)
		}
		if err := release(context.Background()); err != nil {
			t.Errorf("release: %v", err)
		}
	}
}

func TestRedis_KeyNamespace(t *testing.T) {
	l := NewRedis(nil, "").(*redisLease)
	if got := l.key("quarantine-sweeper"); got != "ldtgate:lease:quarantine-sweeper" {
		t.Errorf("unexpected key %q", got)
	}
	l = NewRedis(nil, "other:").(*redisLease)
	if got := l.key("x"); got != "other:x" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestRedis_Exclusive(t *testing.T) {
	url := os.Getenv("LDT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LDT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	name := "test-" + uuid.NewString()
	a := NewRedis(client, "")
	b := NewRedis(client, "")

	release, ok, err := a.Acquire(ctx, name, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first holder to acquire, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Acquire(ctx, name, 5*time.Second); err != nil || ok {
		t.Fatalf("expected second holder to be refused, got ok=%v err=%v", ok, err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	release2, ok, err := b.Acquire(ctx, name, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lease after release, got ok=%v err=%v", ok, err)
	}
	_ = release2(ctx)
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	url := os.Getenv("LDT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LDT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	name := "test-" + uuid.NewString()
	l := NewRedis(client, "")
	stale, ok, err := l.Acquire(ctx, name, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(100 * time.Millisecond)

	fresh, ok, err := l.Acquire(ctx, name, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lease after expiry, got ok=%v err=%v", ok, err)
	}
	// the expired holder must not free the new holder's lease
	if err := stale(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, name, time.Second); ok {
		t.Error("expected lease still held by the fresh holder")
	}
	_ = fresh(ctx)
}

func TestConnect_BadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not-a-url://"); err == nil {
		t.Error("expected error for invalid URL")
	}
}
