package provider

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryCache_TTLExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := newMemoryCache(clock)
	ctx := context.Background()

	if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, found, _ := cache.Get(ctx, "k"); !found {
		t.Fatal("value missing before TTL elapsed")
	}

	clock.Advance(2 * time.Minute)
	if _, found, _ := cache.Get(ctx, "k"); found {
		t.Error("value survived past its TTL")
	}
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := newMemoryCache(clock)
	ctx := context.Background()

	if err := cache.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(1000 * time.Hour)
	if _, found, _ := cache.Get(ctx, "k"); !found {
		t.Error("zero-TTL value expired")
	}
}

func TestMemoryCache_DeleteReportsPresence(t *testing.T) {
	cache := newMemoryCache(nil)
	ctx := context.Background()

	if deleted, _ := cache.Delete(ctx, "absent"); deleted {
		t.Error("Delete of an absent key reported true")
	}
	_ = cache.Set(ctx, "k", []byte("v"), 0)
	if deleted, _ := cache.Delete(ctx, "k"); !deleted {
		t.Error("Delete of a present key reported false")
	}
}

func TestMemoryCache_IncrementFromZeroAndExisting(t *testing.T) {
	cache := newMemoryCache(nil)
	ctx := context.Background()

	n, err := cache.Increment(ctx, "count", 5)
	if err != nil || n != 5 {
		t.Fatalf("Increment = %d %v, want 5 nil", n, err)
	}
	n, err = cache.Increment(ctx, "count", -2)
	if err != nil || n != 3 {
		t.Fatalf("Increment = %d %v, want 3 nil", n, err)
	}
	value, found, _ := cache.Get(ctx, "count")
	if !found || string(value) != "3" {
		t.Errorf("Get after Increment = %q %v, want 3 true", value, found)
	}
}

func TestMemoryCache_GetReturnsCopy(t *testing.T) {
	cache := newMemoryCache(nil)
	ctx := context.Background()

	_ = cache.Set(ctx, "k", []byte("abc"), 0)
	value, _, _ := cache.Get(ctx, "k")
	value[0] = 'z'
	again, _, _ := cache.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through a returned slice: %q", again)
	}
}
