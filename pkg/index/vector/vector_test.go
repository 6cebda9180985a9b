package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func TestIndex_UpsertSearchDelete(t *testing.T) {
	ctx := context.Background()
	x, err := Open(Options{Dir: t.TempDir(), Dimensions: 4})
	require.NoError(t, err)
	defer x.Close()

	require.NoError(t, x.Upsert(ctx, "event:1:a", unit(4, 0)))
	require.NoError(t, x.Upsert(ctx, "event:2:b", unit(4, 1)))
	require.NoError(t, x.Upsert(ctx, "event:2:b", unit(4, 1)))
	assert.Equal(t, 2, x.Len())

	hits, err := x.Search(ctx, unit(4, 1), 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "event:2:b", hits[0].Ref)

	require.NoError(t, x.Delete(ctx, "event:2:b"))
	require.NoError(t, x.Delete(ctx, "event:2:b"))
	assert.Equal(t, 1, x.Len())
}

func TestIndex_Errors(t *testing.T) {
	ctx := context.Background()
	x, err := Open(Options{Dir: t.TempDir(), Dimensions: 3, MaxElements: 1})
	require.NoError(t, err)

	err = x.Upsert(ctx, "a", []float32{1, 0})
	assert.True(t, errors.Is(err, index.ErrDimensionMismatch))

	require.NoError(t, x.Upsert(ctx, "a", unit(3, 0)))
	require.NoError(t, x.Upsert(ctx, "a", unit(3, 1)), "replacing an existing ref does not count against capacity")
	err = x.Upsert(ctx, "b", unit(3, 2))
	assert.True(t, errors.Is(err, index.ErrCapacityReached))

	require.NoError(t, x.Close())
	_, err = x.Search(ctx, unit(3, 0), 1)
	assert.True(t, errors.Is(err, index.ErrNotInitialized))
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	x, err := Open(Options{Dir: dir, Dimensions: 2})
	require.NoError(t, err)
	require.NoError(t, x.Upsert(ctx, "toc:1:toc:day:2024-01-15", []float32{0, 1}))
	require.NoError(t, x.Close())

	y, err := Open(Options{Dir: dir, Dimensions: 2})
	require.NoError(t, err)
	defer y.Close()
	assert.Equal(t, 1, y.Len())
}
