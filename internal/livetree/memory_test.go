package livetree

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"irrigation-registry-backend/internal/apperr"
)

func TestMemory_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	tree := NewMemory()

	_, err := tree.Get(ctx, StatusPath("dev-001"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, tree.Set(ctx, StatusPath("dev-001"), []byte("a")))
	v, err := tree.Get(ctx, StatusPath("dev-001"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	require.NoError(t, tree.Delete(ctx, StatusPath("dev-001")))
	require.NoError(t, tree.Delete(ctx, StatusPath("dev-001")))
	_, err = tree.Get(ctx, StatusPath("dev-001"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemory_ListIsSortedAndScoped(t *testing.T) {
	ctx := context.Background()
	tree := NewMemory()

	require.NoError(t, tree.Set(ctx, SchedulePath("dev-001", "18:00"), []byte("b")))
	require.NoError(t, tree.Set(ctx, SchedulePath("dev-001", "06:00"), []byte("a")))
	require.NoError(t, tree.Set(ctx, SchedulePath("dev-0010", "07:00"), []byte("x")))
	require.NoError(t, tree.Set(ctx, SchedulesPrefix("dev-001"), []byte("self")))

	nodes, err := tree.List(ctx, SchedulesPrefix("dev-001"))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "06:00", Leaf(nodes[0].Path))
	assert.Equal(t, "18:00", Leaf(nodes[1].Path))
}

func TestMemory_SubscribeScopedAndClosedOnCancel(t *testing.T) {
	tree := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := tree.Subscribe(ctx, SensorPrefix("dev-001"))
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Subscribers())

	require.NoError(t, tree.Set(context.Background(), ReadingsPath("dev-002"), []byte("other")))
	require.NoError(t, tree.Set(context.Background(), ReadingsPath("dev-001"), []byte("mine")))
	require.NoError(t, tree.Delete(context.Background(), ReadingsPath("dev-001")))

	n := <-ch
	assert.Equal(t, ReadingsPath("dev-001"), n.Path)
	assert.Equal(t, []byte("mine"), n.Value)
	n = <-ch
	assert.True(t, n.Deleted)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, tree.Subscribers())
}

func TestMemory_ClosedTreeIsUnreachable(t *testing.T) {
	tree := NewMemory()
	ch, err := tree.Subscribe(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, tree.Set(context.Background(), "a", nil), apperr.ErrUnreachable)
}

func TestUnder(t *testing.T) {
	assert.True(t, Under("sensor_data/dev-001/status", "sensor_data/dev-001"))
	assert.True(t, Under("sensor_data/dev-001", "sensor_data/dev-001/"))
	assert.False(t, Under("sensor_data/dev-0010/status", "sensor_data/dev-001"))
	assert.True(t, Under("anything", ""))
}
