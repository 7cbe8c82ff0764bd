package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealsync/pkg/checkpoint"
	"github.com/surrealdb/surrealsync/pkg/checkpoint/checkpointtest"
)

func TestStore(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Store {
		s, err := Open(Options{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, checkpoint.Checkpoint{Entity: "post", LastKey: "p-9"}))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Get(ctx, "post")
	require.NoError(t, err)
	assert.Equal(t, "p-9", cp.LastKey)
}
