package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
)

func TestMemoryHistoryNewestFirst(t *testing.T) {
	h := NewMemoryHistory(10, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v := &ml.FusedVerdict{
			ID:        fmt.Sprintf("v-%d", i),
			Identity:  "10.0.0.1",
			Score:     float64(i) / 10,
			Timestamp: time.Now(),
		}
		require.NoError(t, h.Append(ctx, v))
	}

	got, err := h.Recent(ctx, "10.0.0.1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "v-2", got[0].ID)
	assert.Equal(t, "v-1", got[1].ID)
	assert.Equal(t, "v-0", got[2].ID)
}

func TestMemoryHistoryBounded(t *testing.T) {
	h := NewMemoryHistory(5, 100)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		v := &ml.FusedVerdict{ID: fmt.Sprintf("v-%d", i), Identity: "10.0.0.2"}
		require.NoError(t, h.Append(ctx, v))
	}
	got, err := h.Recent(ctx, "10.0.0.2", 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "v-19", got[0].ID)
}

func TestMemoryHistoryLimitAndIsolation(t *testing.T) {
	h := NewMemoryHistory(10, 100)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: fmt.Sprintf("a-%d", i), Identity: "10.0.0.3"}))
	}
	require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: "b-0", Identity: "10.0.0.4"}))

	got, err := h.Recent(ctx, "10.0.0.3", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	other, err := h.Recent(ctx, "10.0.0.4", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "b-0", other[0].ID)

	empty, err := h.Recent(ctx, "10.9.9.9", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryHistoryBoundsIdentities(t *testing.T) {
	h := NewMemoryHistory(10, 3)
	ctx := context.Background()

	// Identity churn past the cap must not grow the map; the identity
	// with the oldest append is evicted first.
	for i := 0; i < 50; i++ {
		v := &ml.FusedVerdict{ID: fmt.Sprintf("v-%d", i), Identity: fmt.Sprintf("198.51.100.%d", i)}
		require.NoError(t, h.Append(ctx, v))
	}
	assert.Len(t, h.entries, 3)

	gone, err := h.Recent(ctx, "198.51.100.0", 0)
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := h.Recent(ctx, "198.51.100.49", 0)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "v-49", kept[0].ID)
}

func TestMemoryHistoryEvictionSparesActiveIdentity(t *testing.T) {
	h := NewMemoryHistory(10, 2)
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: "a-0", Identity: "10.1.1.1"}))
	require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: "b-0", Identity: "10.2.2.2"}))
	// Touch the first identity again so the second becomes the stalest.
	require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: "a-1", Identity: "10.1.1.1"}))
	require.NoError(t, h.Append(ctx, &ml.FusedVerdict{ID: "c-0", Identity: "10.3.3.3"}))

	active, err := h.Recent(ctx, "10.1.1.1", 0)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stale, err := h.Recent(ctx, "10.2.2.2", 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
