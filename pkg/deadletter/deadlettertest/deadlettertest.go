// Package deadlettertest holds the behaviour every deadletter.Sink must share.
package deadlettertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/bus"
	"github.com/surrealdb/surrealsync/pkg/deadletter"
)

// Run exercises a fresh sink returned by newSink.
func Run(t *testing.T, newSink func(t *testing.T) deadletter.Sink) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := bus.ChangeEvent{Entity: "post", RecordID: int64(42), Operation: bus.OperationUpdate, OccurredAt: at}

	t.Run("PutGetRemove", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		e := deadletter.NewEntry(ev, errors.New("surrealdb: permission denied"), 5)
		e.FailedAt = at
		require.NoError(t, s.Put(ctx, e))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "post", got.Event.Entity)
		assert.Equal(t, int64(42), got.Event.RecordID)
		assert.Equal(t, bus.OperationUpdate, got.Event.Operation)
		assert.True(t, at.Equal(got.Event.OccurredAt))
		assert.Equal(t, "surrealdb: permission denied", got.Error)
		assert.Equal(t, 5, got.Attempts)
		assert.True(t, at.Equal(got.FailedAt))

		require.NoError(t, s.Remove(ctx, e.ID))
		require.NoError(t, s.Remove(ctx, e.ID))
		_, err = s.Get(ctx, e.ID)
		require.ErrorIs(t, err, deadletter.ErrNotFound)
	})

	t.Run("ListOldestFirst", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		var ids []uuid.UUID
		for i := range 3 {
			e := deadletter.NewEntry(bus.ChangeEvent{Entity: "user", RecordID: "u" + string(rune('a'+i))}, nil, 1)
			e.FailedAt = at.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.Put(ctx, e))
			ids = append(ids, e.ID)
		}

		all, err := s.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, e := range all {
			assert.Equal(t, ids[i], e.ID)
		}
		assert.Equal(t, "ua", all[0].Event.RecordID)

		two, err := s.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, two, 2)
	})
}
