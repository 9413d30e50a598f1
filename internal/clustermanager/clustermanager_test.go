package clustermanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/carpkv/internal/config"
	"github.com/dreamware/carpkv/internal/discovery"
	"github.com/dreamware/carpkv/internal/shardhandle"
	"github.com/dreamware/carpkv/internal/statemachine"
)

func TestPortFormula(t *testing.T) {
	assert.Equal(t, 31012, APIPort(1, 2))
	assert.Equal(t, 32012, RPCPort(1, 2))
}

// TestBootstrapTwoShardsThreeReplicas exercises the full dev-mode
// bootstrap sequence end to end: spawn, elect, build+propagate
// the initial ring, persist the address matrix, then a write routed
// through a shard handle built directly from the matrix.
func TestBootstrapTwoShardsThreeReplicas(t *testing.T) {
	fleet := config.Fleet{NumClusters: 2, NodesPerCluster: 3}
	discoveryPath := filepath.Join(t.TempDir(), "addresses.json")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := Bootstrap(ctx, fleet, "127.0.0.1", discoveryPath, nil, nil)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	matrix, err := discovery.Load(discoveryPath)
	require.NoError(t, err)
	require.Len(t, matrix, 2)
	require.Len(t, matrix[0], 3)

	h := shardhandle.New(matrix[0][0], nil)
	_, err = h.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.NoError(t, err)

	ring, err := h.GetHashRing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ring.Len())
	assert.Equal(t, uint64(0), ring.ConfigID)
	for _, n := range ring.Nodes {
		assert.InDelta(t, 0.5, n.RelativeLoad, 1e-6)
	}

	// The ring propagates through each shard's log, so a follower
	// replica must expose the same ring as its leader.
	follower := shardhandle.New(matrix[0][1], nil)
	followerRing, err := follower.GetHashRing(ctx)
	require.NoError(t, err)
	assert.Equal(t, ring.ConfigID, followerRing.ConfigID)
	assert.Equal(t, 2, followerRing.Len())
}
