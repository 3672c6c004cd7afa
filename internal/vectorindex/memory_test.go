package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryIndexUpsertQueryDelete(t *testing.T) {
	idx := NewMemoryIndex(3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Vector{
		{ID: "item-1:0", Values: []float32{1, 0, 0}, Metadata: map[string]string{"item_id": "item-1", "user_id": "u1"}},
		{ID: "item-2:0", Values: []float32{0, 1, 0}, Metadata: map[string]string{"item_id": "item-2", "user_id": "u1"}},
	}))
	require.Equal(t, 2, idx.Count())

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, Filter{"user_id": "u1"}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "item-1:0", matches[0].ID)
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)

	require.NoError(t, idx.DeleteByFilter(ctx, Filter{"item_id": "item-1"}))
	require.Equal(t, 1, idx.Count())
}
