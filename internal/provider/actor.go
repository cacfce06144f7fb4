// Package provider implements the actor-based indirection between handler
// code and backend resources. Each activated provider is one long-lived
// goroutine owning its connection pool; commands arrive on a bounded inbox
// and are processed in FIFO order, so the pool itself needs no locking.
package provider

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/sdk"
)

// DefaultInboxDepth bounds an actor's command queue unless the descriptor
// overrides it. Senders block when the inbox is full; that backpressure is
// what keeps a runaway handler from exhausting the process.
const DefaultInboxDepth = 32

// driver bundles a backend client with its lifecycle hooks. The client
// value implements the sdk interface for the provider's kind.
type driver struct {
	client any
	ping   func(ctx context.Context) error
	close  func()
}

// Actor serializes access to one backend driver. All commands run on the
// actor goroutine; the driver is never touched from anywhere else.
type Actor struct {
	name    string
	kind    sdk.ProviderKind
	drv     driver
	log     *zap.Logger
	metrics *observability.Metrics

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopping atomic.Bool
}

func startActor(name string, kind sdk.ProviderKind, drv driver, depth int, log *zap.Logger, metrics *observability.Metrics) *Actor {
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	a := &Actor{
		name:    name,
		kind:    kind,
		drv:     drv,
		log:     log,
		metrics: metrics,
		inbox:   make(chan func(), depth),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Name returns the provider name the actor is registered under.
func (a *Actor) Name() string { return a.name }

// Kind returns the provider kind.
func (a *Actor) Kind() sdk.ProviderKind { return a.kind }

func (a *Actor) loop() {
	defer close(a.done)
	defer a.drv.close()

	for {
		select {
		case fn := <-a.inbox:
			fn()
			a.metrics.SetProviderInboxDepth(a.name, float64(len(a.inbox)))
		case <-a.quit:
			// Drain commands accepted before the stop signal.
			for {
				select {
				case fn := <-a.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn under a command label and waits for the actor to run
// it. A full inbox blocks the caller. Once stop has begun, late senders get
// PROVIDER_STOPPING instead of hanging on a dead queue. The error fn
// returns feeds the command instruments only; submit's own error reports
// whether the command ran at all.
func (a *Actor) submit(ctx context.Context, command string, fn func() error) error {
	if a.stopping.Load() {
		a.metrics.RecordProviderCommandRejected(a.name, command)
		return sdk.NewProviderStoppingError(a.name)
	}

	ran := make(chan struct{})
	wrapped := func() {
		start := time.Now()
		cmdErr := fn()
		status := "ok"
		if cmdErr != nil {
			status = "error"
		}
		a.metrics.RecordProviderCommand(a.name, command, status, time.Since(start))
		close(ran)
	}

	select {
	case a.inbox <- wrapped:
		a.metrics.SetProviderInboxDepth(a.name, float64(len(a.inbox)))
	case <-a.done:
		a.metrics.RecordProviderCommandRejected(a.name, command)
		return sdk.NewProviderStoppingError(a.name)
	case <-ctx.Done():
		a.metrics.RecordProviderCommandRejected(a.name, command)
		return sdk.NewProviderConnectionError("command not accepted: " + ctx.Err().Error())
	}

	select {
	case <-ran:
		return nil
	case <-a.done:
		// The command was queued behind the final drain and will not run.
		select {
		case <-ran:
			return nil
		default:
			a.metrics.RecordProviderCommandRejected(a.name, command)
			return sdk.NewProviderStoppingError(a.name)
		}
	}
}

// stop signals the actor, waits for queued commands to finish, and returns
// once the pool is closed. Safe to call more than once.
func (a *Actor) stop() {
	if a.stopping.CompareAndSwap(false, true) {
		close(a.quit)
	}
	<-a.done
}

// TestConnection probes the backend through the inbox and reports the
// observed latency.
func (a *Actor) TestConnection(ctx context.Context) (time.Duration, error) {
	var pingErr error
	start := time.Now()
	if err := a.submit(ctx, "ping", func() error {
		pingErr = a.drv.ping(ctx)
		return pingErr
	}); err != nil {
		return 0, err
	}
	latency := time.Since(start)
	if pingErr != nil {
		return latency, sdk.NewProviderConnectionError(pingErr.Error())
	}
	return latency, nil
}

// Client returns the kind-typed surface whose every call routes through
// the inbox. The concrete type implements the sdk interface for the
// actor's kind.
func (a *Actor) Client() any {
	switch c := a.drv.client.(type) {
	case sdk.Database:
		return &actorDatabase{a: a, db: c}
	case sdk.Cache:
		return &actorCache{a: a, cache: c}
	case sdk.Storage:
		return &actorStorage{a: a, store: c}
	case sdk.Email:
		return &actorEmail{a: a, mail: c}
	case sdk.FileTransfer:
		return &actorFileTransfer{a: a, ft: c}
	}
	return nil
}

type actorDatabase struct {
	a  *Actor
	db sdk.Database
}

func (d *actorDatabase) Query(ctx context.Context, sql string, params ...any) ([]sdk.Row, error) {
	var rows []sdk.Row
	var err error
	if serr := d.a.submit(ctx, "query", func() error { rows, err = d.db.Query(ctx, sql, params...); return err }); serr != nil {
		return nil, serr
	}
	return rows, err
}

func (d *actorDatabase) QueryOne(ctx context.Context, sql string, params ...any) (sdk.Row, bool, error) {
	var row sdk.Row
	var found bool
	var err error
	if serr := d.a.submit(ctx, "query_one", func() error { row, found, err = d.db.QueryOne(ctx, sql, params...); return err }); serr != nil {
		return nil, false, serr
	}
	return row, found, err
}

func (d *actorDatabase) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	var affected int64
	var err error
	if serr := d.a.submit(ctx, "exec", func() error { affected, err = d.db.Exec(ctx, sql, params...); return err }); serr != nil {
		return 0, serr
	}
	return affected, err
}

func (d *actorDatabase) Begin(ctx context.Context) (sdk.Tx, error) {
	var tx sdk.Tx
	var err error
	if serr := d.a.submit(ctx, "begin", func() error { tx, err = d.db.Begin(ctx); return err }); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	return &actorTx{a: d.a, tx: tx}, nil
}

// actorTx keeps transaction statements on the actor goroutine so they
// interleave with other commands in inbox order.
type actorTx struct {
	a  *Actor
	tx sdk.Tx
}

func (t *actorTx) Query(ctx context.Context, sql string, params ...any) ([]sdk.Row, error) {
	var rows []sdk.Row
	var err error
	if serr := t.a.submit(ctx, "tx_query", func() error { rows, err = t.tx.Query(ctx, sql, params...); return err }); serr != nil {
		return nil, serr
	}
	return rows, err
}

func (t *actorTx) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	var affected int64
	var err error
	if serr := t.a.submit(ctx, "tx_exec", func() error { affected, err = t.tx.Exec(ctx, sql, params...); return err }); serr != nil {
		return 0, serr
	}
	return affected, err
}

func (t *actorTx) Commit(ctx context.Context) error {
	var err error
	if serr := t.a.submit(ctx, "tx_commit", func() error { err = t.tx.Commit(ctx); return err }); serr != nil {
		return serr
	}
	return err
}

func (t *actorTx) Rollback(ctx context.Context) error {
	var err error
	if serr := t.a.submit(ctx, "tx_rollback", func() error { err = t.tx.Rollback(ctx); return err }); serr != nil {
		return serr
	}
	return err
}

type actorCache struct {
	a     *Actor
	cache sdk.Cache
}

func (c *actorCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	var err error
	if serr := c.a.submit(ctx, "get", func() error { value, found, err = c.cache.Get(ctx, key); return err }); serr != nil {
		return nil, false, serr
	}
	return value, found, err
}

func (c *actorCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var err error
	if serr := c.a.submit(ctx, "set", func() error { err = c.cache.Set(ctx, key, value, ttl); return err }); serr != nil {
		return serr
	}
	return err
}

func (c *actorCache) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	var err error
	if serr := c.a.submit(ctx, "delete", func() error { deleted, err = c.cache.Delete(ctx, key); return err }); serr != nil {
		return false, serr
	}
	return deleted, err
}

func (c *actorCache) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	var value int64
	var err error
	if serr := c.a.submit(ctx, "increment", func() error { value, err = c.cache.Increment(ctx, key, amount); return err }); serr != nil {
		return 0, serr
	}
	return value, err
}

type actorStorage struct {
	a     *Actor
	store sdk.Storage
}

func (s *actorStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	var err error
	if serr := s.a.submit(ctx, "put", func() error { err = s.store.Put(ctx, key, data, contentType); return err }); serr != nil {
		return serr
	}
	return err
}

func (s *actorStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var err error
	if serr := s.a.submit(ctx, "get", func() error { data, err = s.store.Get(ctx, key); return err }); serr != nil {
		return nil, serr
	}
	return data, err
}

func (s *actorStorage) Delete(ctx context.Context, key string) error {
	var err error
	if serr := s.a.submit(ctx, "delete", func() error { err = s.store.Delete(ctx, key); return err }); serr != nil {
		return serr
	}
	return err
}

func (s *actorStorage) List(ctx context.Context, prefix string) ([]sdk.ObjectInfo, error) {
	var objects []sdk.ObjectInfo
	var err error
	if serr := s.a.submit(ctx, "list", func() error { objects, err = s.store.List(ctx, prefix); return err }); serr != nil {
		return nil, serr
	}
	return objects, err
}

func (s *actorStorage) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var url string
	var err error
	if serr := s.a.submit(ctx, "presigned_url", func() error { url, err = s.store.PresignedURL(ctx, key, ttl); return err }); serr != nil {
		return "", serr
	}
	return url, err
}

type actorEmail struct {
	a    *Actor
	mail sdk.Email
}

func (e *actorEmail) Send(ctx context.Context, from string, to []string, subject, body string, isHTML bool) error {
	var err error
	if serr := e.a.submit(ctx, "send", func() error { err = e.mail.Send(ctx, from, to, subject, body, isHTML); return err }); serr != nil {
		return serr
	}
	return err
}

type actorFileTransfer struct {
	a  *Actor
	ft sdk.FileTransfer
}

func (f *actorFileTransfer) Put(ctx context.Context, path string, data []byte) error {
	var err error
	if serr := f.a.submit(ctx, "put", func() error { err = f.ft.Put(ctx, path, data); return err }); serr != nil {
		return serr
	}
	return err
}

func (f *actorFileTransfer) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	var err error
	if serr := f.a.submit(ctx, "get", func() error { data, err = f.ft.Get(ctx, path); return err }); serr != nil {
		return nil, serr
	}
	return data, err
}

func (f *actorFileTransfer) List(ctx context.Context, path string) ([]sdk.FileEntry, error) {
	var entries []sdk.FileEntry
	var err error
	if serr := f.a.submit(ctx, "list", func() error { entries, err = f.ft.List(ctx, path); return err }); serr != nil {
		return nil, serr
	}
	return entries, err
}

func (f *actorFileTransfer) Delete(ctx context.Context, path string) error {
	var err error
	if serr := f.a.submit(ctx, "delete", func() error { err = f.ft.Delete(ctx, path); return err }); serr != nil {
		return serr
	}
	return err
}
