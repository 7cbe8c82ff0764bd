package syncworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/bus"
	busmemory "github.com/surrealdb/surrealsync/pkg/bus/memory"
	dlmemory "github.com/surrealdb/surrealsync/pkg/deadletter/memory"
	docmemory "github.com/surrealdb/surrealsync/pkg/docstore/memory"
	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	relmemory "github.com/surrealdb/surrealsync/pkg/relational/memory"
	"github.com/surrealdb/surrealsync/pkg/resolver"
	"github.com/surrealdb/surrealsync/pkg/retry"
	"github.com/surrealdb/surrealsync/pkg/syncerr"
)

const blogYAML = `
entities:
  post:
    fields: [id, title]
    links:
      - attribute: author
        target: user
        cardinality: one
      - attribute: tags
        target: tag
        cardinality: many
        through: post_tag
        source_key: post_id
        target_key: tag_id
        order_by: position
  user:
    fields: [id, name]
  tag:
    fields: [id, label]
api_links:
  - root: post
    collection: posts
`

type harness struct {
	db    *relmemory.Store
	docs  *docmemory.Store
	bus   *busmemory.Bus
	sink  *dlmemory.Sink
	res   *resolver.Resolver
	links *links.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := links.Parse([]byte(blogYAML))
	require.NoError(t, err)

	db := relmemory.New()
	db.Put("user", record.Record{"id": 7, "name": "ann"})
	db.Put("tag", record.Record{"id": 1, "label": "go"})
	db.Put("tag", record.Record{"id": 2, "label": "db"})
	db.Put("post", record.Record{"id": 42, "title": "hello", "author_id": 7})
	db.Put("post_tag", record.Record{"id": 100, "post_id": 42, "tag_id": 1, "position": 1})
	db.Put("post_tag", record.Record{"id": 101, "post_id": 42, "tag_id": 2, "position": 2})

	return &harness{
		db:    db,
		docs:  docmemory.New(),
		bus:   busmemory.New(),
		sink:  dlmemory.New(),
		res:   resolver.New(cfg, db, zerolog.Nop()),
		links: cfg,
	}
}

// start runs a worker until the test ends and returns it with its stop func.
func (h *harness) start(t *testing.T, cfg Config) (*Worker, func() error) {
	t.Helper()
	w := New(cfg, h.links, h.res, h.docs, h.bus.Subscribe(), h.sink, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			runErr = <-errc
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return w, stop
}

func (h *harness) publish(t *testing.T, op bus.Operation, entity string, id any) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), bus.ChangeEvent{Entity: entity, RecordID: id, Operation: op}))
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bus.Pending() == 0 }, 5*time.Second, 2*time.Millisecond)
}

func (h *harness) post(t *testing.T) record.Document {
	t.Helper()
	doc, err := h.docs.Get(context.Background(), "posts", 42)
	require.NoError(t, err)
	return doc
}

func TestWorker_Scenario(t *testing.T) {
	h := newHarness(t)
	h.start(t, Config{})

	h.publish(t, bus.OperationCreate, "post", 42)
	h.drain(t)
	assert.Equal(t, record.Document{
		"id":     42,
		"title":  "hello",
		"author": map[string]any{"id": 7, "name": "ann"},
		"tags": []any{
			map[string]any{"id": 1, "label": "go"},
			map[string]any{"id": 2, "label": "db"},
		},
	}, h.post(t))

	// Untagging only changes the junction table; the post event still
	// re-projects the whole document.
	h.db.Remove("post_tag", 101)
	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)
	assert.Equal(t, []any{map[string]any{"id": 1, "label": "go"}}, h.post(t)["tags"])
}

func TestWorker_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t, Config{})

	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)
	once := h.docs.Snapshot("posts")

	for range 3 {
		h.publish(t, bus.OperationUpdate, "post", 42)
	}
	h.drain(t)
	assert.Equal(t, once, h.docs.Snapshot("posts"))
}

func TestWorker_OutOfOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t, Config{})

	h.db.Put("post", record.Record{"id": 42, "title": "edited", "author_id": 7})
	h.publish(t, bus.OperationUpdate, "post", 42)
	// A stale create arrives after the update.
	h.publish(t, bus.OperationCreate, "post", 42)
	h.drain(t)

	want, err := h.res.Resolve(context.Background(), "post", 42)
	require.NoError(t, err)
	assert.Equal(t, want.Document, h.post(t))
	assert.Equal(t, "edited", h.post(t)["title"])
}

func TestWorker_DeleteThenRedeliver(t *testing.T) {
	h := newHarness(t)
	w, _ := h.start(t, Config{})

	h.publish(t, bus.OperationCreate, "post", 42)
	h.drain(t)
	require.Equal(t, 1, h.docs.Len("posts"))

	h.db.Remove("post", 42)
	h.publish(t, bus.OperationDelete, "post", 42)
	h.publish(t, bus.OperationDelete, "post", 42)
	h.drain(t)

	assert.Equal(t, 0, h.docs.Len("posts"))
	assert.Equal(t, 0, h.sink.Len())
	assert.Equal(t, int64(3), w.Stats().Processed)
}

func TestWorker_CreateForVanishedRecordDeletes(t *testing.T) {
	h := newHarness(t)
	h.start(t, Config{})

	h.publish(t, bus.OperationCreate, "post", 42)
	h.drain(t)
	h.db.Remove("post", 42)
	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)

	assert.Equal(t, 0, h.docs.Len("posts"))
}

func TestWorker_IgnoresUnlinkedEntity(t *testing.T) {
	h := newHarness(t)
	w, _ := h.start(t, Config{})

	h.publish(t, bus.OperationUpdate, "tag", 1)
	h.drain(t)

	assert.Equal(t, int64(1), w.Stats().Ignored)
	assert.Equal(t, 0, h.docs.Len("posts"))
}

func TestWorker_TransientRetriedThenDeadLettered(t *testing.T) {
	h := newHarness(t)
	h.docs.Fail = func(op, _ string, _ any) error {
		return syncerr.Transient(op, errors.New("connection refused"))
	}
	w, _ := h.start(t, Config{MaxAttempts: 3})

	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Zero(t, stats.Processed)

	entries, err := h.sink.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "post", entries[0].Event.Entity)
	assert.Contains(t, entries[0].Error, "connection refused")
}

func TestWorker_TransientRecovers(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.docs.Fail = func(op, _ string, _ any) error {
		if calls.Add(1) == 1 {
			return syncerr.Transient(op, errors.New("timeout"))
		}
		return nil
	}
	w, _ := h.start(t, Config{})

	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)

	assert.Equal(t, Stats{Processed: 1, Retried: 1}, w.Stats())
	assert.Equal(t, "hello", h.post(t)["title"])
}

func TestWorker_PermanentDeadLetteredImmediately(t *testing.T) {
	h := newHarness(t)
	h.docs.Fail = func(op, _ string, _ any) error {
		return syncerr.Permanent(op, errors.New("field title must be a string"))
	}
	w, _ := h.start(t, Config{})

	h.publish(t, bus.OperationUpdate, "post", 42)
	h.drain(t)

	assert.Equal(t, Stats{DeadLettered: 1}, w.Stats())
	entries, err := h.sink.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
}

func TestWorker_SerializesPerKey(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		h.db.Put("post", record.Record{"id": i, "title": "t", "author_id": 7})
	}

	var (
		mu       sync.Mutex
		inflight = map[string]int{}
		maxSeen  int
	)
	h.db.FailNext = func(string, string) error {
		time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		return nil
	}
	h.docs.Fail = func(_ string, _ string, key any) error {
		k := record.KeyString(key)
		mu.Lock()
		inflight[k]++
		if inflight[k] > maxSeen {
			maxSeen = inflight[k]
		}
		mu.Unlock()
		time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
		mu.Lock()
		inflight[k]--
		mu.Unlock()
		return nil
	}
	h.start(t, Config{Parallelism: 8})

	for n := range 40 {
		id := n%5 + 1
		h.db.Put("post", record.Record{"id": id, "title": fmt.Sprintf("title-%d", n), "author_id": 7})
		h.publish(t, bus.OperationUpdate, "post", id)
	}
	h.drain(t)

	assert.Equal(t, 1, maxSeen)
	for id := 1; id <= 5; id++ {
		doc, err := h.docs.Get(context.Background(), "posts", id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("title-%d", 35+id-1), doc["title"])
	}
}

func TestWorker_GracefulShutdown(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.docs.Fail = func(string, string, any) error {
		close(entered)
		<-release
		return nil
	}
	_, stop := h.start(t, Config{})

	h.publish(t, bus.OperationUpdate, "post", 42)
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	select {
	case <-stopped:
		t.Fatal("Run returned with work in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, 1, h.bus.Acked())
	assert.Equal(t, "hello", h.post(t)["title"])
}

type brokenSubscription struct{ calls atomic.Int32 }

func (s *brokenSubscription) Receive(context.Context) (*bus.Delivery, error) {
	s.calls.Add(1)
	return nil, errors.New("broker unreachable")
}

func (s *brokenSubscription) Close() error { return nil }

func TestWorker_ReceiveFailureKeepsRetrying(t *testing.T) {
	h := newHarness(t)
	sub := &brokenSubscription{}
	w := New(Config{ReceiveRetry: retry.NewFixedDelayRetryer(time.Millisecond, 2)}, h.links, h.res, h.docs, sub, h.sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// Well past the retryer's limit.
	require.Eventually(t, func() bool { return sub.calls.Load() >= 10 }, 5*time.Second, time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("Run returned while the subscription was failing: %v", err)
	default:
	}

	cancel()
	require.NoError(t, <-errc)
}

func TestWorker_BusyKeyDoesNotBlockOtherKeys(t *testing.T) {
	h := newHarness(t)
	h.db.Put("post", record.Record{"id": 1, "title": "hot", "author_id": 7})
	h.db.Put("post", record.Record{"id": 2, "title": "cold", "author_id": 7})

	release := make(chan struct{})
	h.docs.Fail = func(_ string, _ string, key any) error {
		if record.KeyString(key) == "1" {
			<-release
		}
		return nil
	}
	h.start(t, Config{Parallelism: 2})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	h.publish(t, bus.OperationUpdate, "post", 1)
	h.publish(t, bus.OperationUpdate, "post", 1)
	h.publish(t, bus.OperationUpdate, "post", 1)
	h.publish(t, bus.OperationUpdate, "post", 2)

	require.Eventually(t, func() bool {
		_, err := h.docs.Get(context.Background(), "posts", 2)
		return err == nil
	}, 2*time.Second, 2*time.Millisecond, "post 2 waited behind post 1")

	unblock()
	h.drain(t)
	assert.Equal(t, 2, h.docs.Len("posts"))
}

func TestWorker_QueueWaitDoesNotCountAgainstTimeout(t *testing.T) {
	h := newHarness(t)
	h.docs.Fail = func(string, string, any) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	w, _ := h.start(t, Config{OpTimeout: 150 * time.Millisecond})

	for range 4 {
		h.publish(t, bus.OperationUpdate, "post", 42)
	}
	h.drain(t)

	assert.Equal(t, Stats{Processed: 4}, w.Stats())
	assert.Equal(t, 0, h.sink.Len())
}

func TestWorker_FansOutLinkedChanges(t *testing.T) {
	h := newHarness(t)
	w, _ := h.start(t, Config{Fanout: h.bus})

	h.publish(t, bus.OperationCreate, "post", 42)
	h.drain(t)

	h.db.Put("user", record.Record{"id": 7, "name": "ann lee"})
	h.publish(t, bus.OperationUpdate, "user", 7)
	h.drain(t)
	assert.Equal(t, map[string]any{"id": 7, "name": "ann lee"}, h.post(t)["author"])

	h.db.Put("tag", record.Record{"id": 2, "label": "databases"})
	h.publish(t, bus.OperationUpdate, "tag", 2)
	h.drain(t)
	assert.Equal(t, []any{
		map[string]any{"id": 1, "label": "go"},
		map[string]any{"id": 2, "label": "databases"},
	}, h.post(t)["tags"])

	h.db.Put("post_tag", record.Record{"id": 102, "post_id": 42, "tag_id": 2, "position": 0})
	h.publish(t, bus.OperationCreate, "post_tag", 102)
	h.drain(t)
	assert.Len(t, h.post(t)["tags"], 3)

	// Unknown entities are still ignored.
	h.publish(t, bus.OperationUpdate, "audit_log", 1)
	h.drain(t)

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.FannedOut)
	assert.Equal(t, int64(1), stats.Ignored)
}

func TestWorker_FanOutFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.db.FailNext = func(op, entity string) error {
		if op == "find" && entity == "post" && calls.Add(1) == 1 {
			return syncerr.Transient(op, errors.New("connection reset"))
		}
		return nil
	}
	w, _ := h.start(t, Config{Fanout: h.bus})

	h.publish(t, bus.OperationUpdate, "user", 7)
	h.drain(t)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(1), stats.FannedOut)
	assert.Equal(t, "hello", h.post(t)["title"])
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWorker_LogsStopAfterInFlightWork(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.docs.Fail = func(string, string, any) error {
		close(entered)
		<-release
		return nil
	}
	var logs lockedBuffer
	w := New(Config{}, h.links, h.res, h.docs, h.bus.Subscribe(), h.sink, zerolog.New(&logs))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	h.publish(t, bus.OperationUpdate, "post", 42)
	<-entered
	cancel()

	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, logs.String(), "Sync worker stopped")

	close(release)
	require.NoError(t, <-errc)
	assert.Contains(t, logs.String(), "Sync worker stopped")
}

func TestLanes_FIFOAndCleanup(t *testing.T) {
	l := newLanes()
	d1 := bus.NewDelivery(bus.ChangeEvent{Entity: "post", RecordID: 1}, 1, nil, nil)
	d2 := bus.NewDelivery(bus.ChangeEvent{Entity: "post", RecordID: 1}, 1, nil, nil)

	ln, first := l.push("post/1", d1)
	assert.True(t, first)
	_, first = l.push("post/1", d2)
	assert.False(t, first)
	assert.Equal(t, 1, l.len())

	got, ok := l.next("post/1", ln)
	require.True(t, ok)
	assert.Same(t, d1, got)
	got, ok = l.next("post/1", ln)
	require.True(t, ok)
	assert.Same(t, d2, got)

	_, ok = l.next("post/1", ln)
	assert.False(t, ok)
	assert.Equal(t, 0, l.len())

	// A push after the lane drained starts a new one.
	_, first = l.push("post/1", d1)
	assert.True(t, first)
}
