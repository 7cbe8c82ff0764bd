// Package checkpointtest holds the behaviour every checkpoint.Store must share.
package checkpointtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/checkpoint"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "post")
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: 10, UpdatedAt: at}))
		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: 20, UpdatedAt: at}))

		cp, err := s.Get(ctx, "post")
		require.NoError(t, err)
		assert.Equal(t, "post", cp.Entity)
		assert.Equal(t, int64(20), cp.LastKey)
		assert.True(t, at.Equal(cp.UpdatedAt))
	})

	t.Run("KeyTypePreserved", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "user", LastKey: "42"}))

		cp, err := s.Get(ctx, "user")
		require.NoError(t, err)
		assert.Equal(t, "42", cp.LastKey)
		assert.False(t, cp.UpdatedAt.IsZero())
	})

	t.Run("StartedWithoutKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "post"}))

		cp, err := s.Get(ctx, "post")
		require.NoError(t, err)
		assert.Nil(t, cp.LastKey)
	})

	t.Run("ClearAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "user", LastKey: 1}))
		require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: 2}))
		require.NoError(t, s.Clear(ctx, "user"))
		require.NoError(t, s.Clear(ctx, "missing"))

		cps, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, cps, 1)
		assert.Equal(t, "post", cps[0].Entity)
		assert.Equal(t, int64(2), cps[0].LastKey)
	})
}
