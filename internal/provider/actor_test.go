package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/sdk"
)

// slowCache blocks each Get until released, to hold the actor goroutine busy.
type slowCache struct {
	*memoryCache
	gate chan struct{}
}

func (s *slowCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	<-s.gate
	return s.memoryCache.Get(ctx, key)
}

func newCacheActor(t *testing.T, client sdk.Cache, depth int) *Actor {
	t.Helper()
	a := startActor("sessions", sdk.KindCache, driver{
		client: client,
		ping:   func(context.Context) error { return nil },
		close:  func() {},
	}, depth, zap.NewNop(), testMetrics())
	t.Cleanup(a.stop)
	return a
}

func TestActor_CommandsRunInSubmissionOrder(t *testing.T) {
	a := newCacheActor(t, newMemoryCache(nil), 8)

	var order []int
	for i := 0; i < 8; i++ {
		i := i
		if err := a.submit(context.Background(), "probe", func() error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, commands ran out of submission order: %v", i, got, order)
		}
	}
}

func TestActor_FullInboxBlocksSender(t *testing.T) {
	gate := make(chan struct{})
	cache := &slowCache{memoryCache: newMemoryCache(nil), gate: gate}
	a := newCacheActor(t, cache, 1)
	client := a.Client().(sdk.Cache)

	// First Get occupies the actor goroutine; the second fills the inbox.
	for i := 0; i < 2; i++ {
		go func() { _, _, _ = client.Get(context.Background(), "k") }()
	}
	time.Sleep(20 * time.Millisecond)

	blocked := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		blocked <- a.submit(ctx, "probe", func() error { return nil })
	}()

	err := <-blocked
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderConnectionError {
		t.Fatalf("submit against full inbox = %v, want context-expired connection error", err)
	}

	close(gate)
}

func TestActor_StopRejectsLateSenders(t *testing.T) {
	a := startActor("sessions", sdk.KindCache, driver{
		client: newMemoryCache(nil),
		ping:   func(context.Context) error { return nil },
		close:  func() {},
	}, 4, zap.NewNop(), testMetrics())

	a.stop()

	err := a.submit(context.Background(), "probe", func() error { return nil })
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderStopping {
		t.Fatalf("submit after stop = %v, want %s", err, sdk.ErrProviderStopping)
	}
}

func TestActor_StopDrainsAcceptedCommands(t *testing.T) {
	var closed bool
	var ran int
	a := startActor("sessions", sdk.KindCache, driver{
		client: newMemoryCache(nil),
		ping:   func(context.Context) error { return nil },
		close:  func() { closed = true },
	}, 8, zap.NewNop(), testMetrics())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.submit(context.Background(), "probe", func() error { ran++; return nil })
		}()
	}
	wg.Wait()
	a.stop()

	if !closed {
		t.Error("pool not closed after stop returned")
	}
	if ran != 5 {
		t.Errorf("ran = %d, want all 5 accepted commands to complete", ran)
	}
}

func TestActor_StopIsIdempotent(t *testing.T) {
	a := newCacheActor(t, newMemoryCache(nil), 4)
	a.stop()
	a.stop()
}

func TestActor_TestConnectionReportsPingError(t *testing.T) {
	a := startActor("main", sdk.KindDatabase, driver{
		client: newMemoryCache(nil),
		ping:   func(context.Context) error { return errors.New("connection refused") },
		close:  func() {},
	}, 4, zap.NewNop(), testMetrics())
	t.Cleanup(a.stop)

	_, err := a.TestConnection(context.Background())
	env := &sdk.ErrorEnvelope{}
	if !errors.As(err, &env) || env.Code != sdk.ErrProviderConnectionError {
		t.Fatalf("TestConnection = %v, want %s", err, sdk.ErrProviderConnectionError)
	}
}

func TestActor_ClientRoutesThroughInbox(t *testing.T) {
	a := newCacheActor(t, newMemoryCache(nil), 4)
	cache, ok := a.Client().(sdk.Cache)
	if !ok {
		t.Fatalf("Client() = %T, want sdk.Cache", a.Client())
	}

	if err := cache.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, found, err := cache.Get(context.Background(), "k")
	if err != nil || !found || string(value) != "v" {
		t.Fatalf("Get = %q %v %v, want v true nil", value, found, err)
	}
	n, err := cache.Increment(context.Background(), "count", 3)
	if err != nil || n != 3 {
		t.Fatalf("Increment = %d %v, want 3 nil", n, err)
	}
	deleted, err := cache.Delete(context.Background(), "k")
	if err != nil || !deleted {
		t.Fatalf("Delete = %v %v, want true nil", deleted, err)
	}
}
