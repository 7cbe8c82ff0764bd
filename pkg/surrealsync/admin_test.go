package surrealsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/bus"
	busmemory "github.com/surrealdb/surrealsync/pkg/bus/memory"
	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	checkpointmemory "github.com/surrealdb/surrealsync/pkg/checkpoint/memory"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
	deadlettermemory "github.com/surrealdb/surrealsync/pkg/deadletter/memory"
	docmemory "github.com/surrealdb/surrealsync/pkg/docstore/memory"
	"github.com/surrealdb/surrealsync/pkg/links"
	"github.com/surrealdb/surrealsync/pkg/record"
	relmemory "github.com/surrealdb/surrealsync/pkg/relational/memory"
)

const testLinks = `
entities:
  post:
    fields: [id, title]
    links:
      - attribute: author
        target: user
        cardinality: one
  user:
    fields: [id, name]
api_links:
  - root: post
    collection: posts
  - root: user
`

type testApp struct {
	*App
	db   *relmemory.Store
	docs *docmemory.Store
	cps  *checkpointmemory.Store
	dl   *deadlettermemory.Sink
	bus  *busmemory.Bus
	out  *bytes.Buffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	lc, err := links.Parse([]byte(testLinks))
	require.NoError(t, err)

	ta := &testApp{
		db:   relmemory.New(),
		docs: docmemory.New(),
		cps:  checkpointmemory.New(),
		dl:   deadlettermemory.New(),
		bus:  busmemory.New(),
		out:  &bytes.Buffer{},
	}
	ta.db.Put("user", record.Record{"id": 7, "name": "ann"})
	ta.db.Put("post", record.Record{"id": 42, "title": "hello", "author_id": 7})

	ta.App = &App{
		config: &Config{
			Bus:         BusMemory,
			Parallelism: 2,
			MaxAttempts: 3,
			OpTimeout:   time.Second,
			BatchSize:   10,
			RetryBase:   time.Millisecond,
			RetryMax:    10 * time.Millisecond,
			RetryLimit:  2,
		},
		log:         zerolog.Nop(),
		out:         ta.out,
		links:       lc,
		relational:  ta.db,
		documents:   ta.docs,
		checkpoints: ta.cps,
		deadLetters: ta.dl,
		bus:         ta.bus,
	}
	ta.wire()
	t.Cleanup(func() { _ = ta.bus.Close() })
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ta.router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	ta := newTestApp(t)
	for _, path := range []string{"/health", "/api/health"} {
		rec := ta.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, []any{"post", "user"}, body["roots"])
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, ta.cps.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: 42}))

	rec := ta.do(t, http.MethodGet, "/api/checkpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "post", list[0]["entity"])
	assert.Equal(t, float64(42), list[0]["last_key"])

	rec = ta.do(t, http.MethodGet, "/api/checkpoints/post", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/checkpoints/user", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(t, http.MethodDelete, "/api/checkpoints/post", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := ta.cps.Get(ctx, "post")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	rec = ta.do(t, http.MethodDelete, "/api/checkpoints/comment", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	rec := ta.do(t, http.MethodGet, "/api/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	ev := bus.ChangeEvent{Entity: "post", RecordID: int64(42), Operation: bus.OperationUpdate, OccurredAt: time.Now().UTC()}
	entry := deadletter.NewEntry(ev, errors.New("surrealdb unavailable"), 3)
	require.NoError(t, ta.dl.Put(ctx, entry))

	rec = ta.do(t, http.MethodGet, "/api/deadletters?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]deadletter.Entry](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, entry.ID, list[0].ID)
	assert.Equal(t, "surrealdb unavailable", list[0].Error)

	rec = ta.do(t, http.MethodGet, "/api/deadletters?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/deadletters/"+entry.ID.String(), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/deadletters/not-a-uuid/replay", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/deadletters/"+entry.ID.String()+"/replay", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, ta.dl.Len())
	assert.Equal(t, 1, ta.bus.Pending())

	d, err := ta.bus.Subscribe().Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "post", d.Event.Entity)
	assert.Equal(t, bus.OperationUpdate, d.Event.Operation)

	rec = ta.do(t, http.MethodPost, "/api/deadletters/"+entry.ID.String()+"/replay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/deadletters/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteDeadLetter(t *testing.T) {
	ta := newTestApp(t)
	entry := deadletter.NewEntry(bus.ChangeEvent{Entity: "post", RecordID: int64(1), Operation: bus.OperationDelete}, errors.New("boom"), 1)
	require.NoError(t, ta.dl.Put(context.Background(), entry))

	rec := ta.do(t, http.MethodDelete, "/api/deadletters/"+entry.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, ta.dl.Len())
	assert.Equal(t, 0, ta.bus.Pending())
}

func TestPublishChange(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodPost, "/api/changes", `{"entity":"post","record_id":42,"operation":"update"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rec)["failed"])

	d, err := ta.bus.Subscribe().Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.Event.RecordID)
	assert.Equal(t, bus.OperationUpdate, d.Event.Operation)

	for _, body := range []string{
		`{"entity":"post","record_id":42,"operation":"upsert"}`,
		`{"entity":"","record_id":42,"operation":"create"}`,
		`{"entity":"post","operation":"create"}`,
		`{"entity":"invoice","record_id":1,"operation":"create"}`,
		`not json`,
	} {
		rec := ta.do(t, http.MethodPost, "/api/changes", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestStats(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.NotContains(t, body, "sync")
	assert.NotContains(t, body, "changes")
	assert.Equal(t, false, body["backfill"].(map[string]any)["running"])

	ta.newSyncWorker()
	rec = ta.do(t, http.MethodGet, "/api/stats", "")
	body = decode[map[string]any](t, rec)
	assert.Equal(t, float64(0), body["sync"].(map[string]any)["processed"])
}

// A change posted to the admin API reaches the document store through the
// hook registry, the bus and the sync worker.
func TestChangeReachesDocumentStore(t *testing.T) {
	ta := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- ta.Sync(ctx, &SyncCommand{}) }()

	rec := ta.do(t, http.MethodPost, "/api/changes", `{"entity":"post","record_id":42,"operation":"create"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return ta.docs.Len("posts") == 1 }, 5*time.Second, 5*time.Millisecond)
	doc, err := ta.docs.Get(ctx, "posts", 42)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc["title"])
	assert.Equal(t, "ann", doc["author"].(map[string]any)["name"])

	ta.db.Remove("post", 42)
	rec = ta.do(t, http.MethodPost, "/api/changes", `{"entity":"post","record_id":42,"operation":"delete"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return ta.docs.Len("posts") == 0 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}

func TestMigrateCommand(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	require.Error(t, ta.Migrate(ctx, &MigrateCommand{Entity: "comment"}))

	require.NoError(t, ta.Migrate(ctx, &MigrateCommand{Entity: "post"}))
	assert.Equal(t, 1, ta.docs.Len("posts"))
	assert.Equal(t, 0, ta.docs.Len("user"))

	require.NoError(t, ta.Migrate(ctx, &MigrateCommand{}))
	assert.Equal(t, 1, ta.docs.Len("user"))
}

func TestRunBackfillRecordsStatus(t *testing.T) {
	ta := newTestApp(t)
	ta.runBackfill(context.Background())

	rec := ta.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	backfill := decode[map[string]any](t, rec)["backfill"].(map[string]any)
	assert.Equal(t, false, backfill["running"])
	assert.NotEmpty(t, backfill["finished"])
	assert.NotContains(t, backfill, "error")
	assert.Len(t, backfill["reports"], 2)
}

func TestCheckpointsCommand(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, ta.cps.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: "k9"}))

	require.NoError(t, ta.Checkpoints(ctx, &CheckpointsCommand{Action: "list"}))
	assert.Contains(t, ta.out.String(), `"entity":"post"`)
	assert.Contains(t, ta.out.String(), `"last_key":"k9"`)

	require.NoError(t, ta.Checkpoints(ctx, &CheckpointsCommand{Action: "reset", Entity: "post"}))
	cps, err := ta.cps.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestChangeTrackingCommandsNeedChangeTrackingBus(t *testing.T) {
	ta := newTestApp(t)
	assert.Error(t, ta.Setup(context.Background(), &SetupCommand{}))
	assert.Error(t, ta.Purge(context.Background(), &PurgeCommand{OlderThan: time.Hour}))
}
