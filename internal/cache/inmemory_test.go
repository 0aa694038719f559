package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCache_SetGetDelete(t *testing.T) {
	c := NewInMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, AppRecordKey("shop.test"), []byte(`{"id":"a"}`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := c.Get(ctx, AppRecordKey("shop.test"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != `{"id":"a"}` {
		t.Fatalf("unexpected value %q", val)
	}

	if err := c.Delete(ctx, AppRecordKey("shop.test")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, AppRecordKey("shop.test")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := c.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	c.Set(ctx, "forever", []byte("v"), 0)
	time.Sleep(25 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired entry to be gone, got %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Fatalf("zero TTL entry should not expire: %v", err)
	}
}

func TestInMemoryCache_SweepRemovesExpired(t *testing.T) {
	c := NewInMemoryCache(5 * time.Millisecond)
	defer c.Close()

	c.Set(context.Background(), "k", []byte("v"), time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInMemoryCache_ValueIsolation(t *testing.T) {
	c := NewInMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	original := []byte("original")
	c.Set(ctx, "iso", original, time.Minute)
	original[0] = 'X'

	val, _ := c.Get(ctx, "iso")
	val[0] = 'Z'

	again, _ := c.Get(ctx, "iso")
	if string(again) != "original" {
		t.Fatalf("cache must copy on set and get, got %q", again)
	}
}

func TestInMemoryCache_SetAfterCloseIsIgnored(t *testing.T) {
	c := NewInMemoryCache(0)
	c.Close()
	c.Close()

	if err := c.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set after close should not fail: %v", err)
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}
