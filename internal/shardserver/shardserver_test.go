package shardserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/shardhandle"
	"github.com/dreamware/carpkv/internal/statemachine"
)

type replica struct {
	server *Server
	api    *httptest.Server
	rpc    *httptest.Server
}

func spawnReplica(t *testing.T, id consensus.NodeID, shard string) *replica {
	t.Helper()
	rpc := httptest.NewUnstartedServer(nil)
	s := New(id, consensus.NodeAddr{}, shard, nil, nil)
	api := httptest.NewServer(s.APIRouter())
	rpc.Config.Handler = s.RPCRouter()
	rpc.Start()

	addr := consensus.NodeAddr{APIAddr: api.Listener.Addr().String(), RPCAddr: rpc.Listener.Addr().String()}
	s.Addr = addr

	t.Cleanup(func() {
		s.Close()
		api.Close()
		rpc.Close()
	})
	return &replica{server: s, api: api, rpc: rpc}
}

// TestThreeReplicaBootstrapAndWrite mirrors the cluster manager's
// per-shard bootstrap sequence for a single shard of
// three replicas, then exercises a write and a linearizable read
// through the public API surface end to end.
func TestThreeReplicaBootstrapAndWrite(t *testing.T) {
	const shard = "shard-0"
	r1 := spawnReplica(t, 1, shard)
	r2 := spawnReplica(t, 2, shard)
	r3 := spawnReplica(t, 3, shard)

	ctx := context.Background()
	h1 := shardhandle.New(r1.server.Addr.APIAddr, nil)

	require.NoError(t, h1.Init(ctx, 1, r1.server.Addr))
	require.NoError(t, h1.AddLearner(ctx, 2, r2.server.Addr))
	require.NoError(t, h1.AddLearner(ctx, 3, r3.server.Addr))
	require.NoError(t, h1.ChangeMembership(ctx, []consensus.NodeID{1, 2, 3}))

	_, err := h1.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.NoError(t, err)

	// ClientWrite has already replicated the entry to the followers
	// before returning; pause briefly before reading anyway.
	time.Sleep(50 * time.Millisecond)

	v, err := h1.ConsistentRead(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v2, ok := r2.server.SM.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v2)
}

// TestLearnerCatchesUpViaSnapshot adds a learner after writes have
// already committed; the snapshot transfer in add-learner must bring
// it to the leader's applied state before it sees any log entries.
func TestLearnerCatchesUpViaSnapshot(t *testing.T) {
	const shard = "shard-0"
	r1 := spawnReplica(t, 1, shard)
	r2 := spawnReplica(t, 2, shard)

	ctx := context.Background()
	h1 := shardhandle.New(r1.server.Addr.APIAddr, nil)

	require.NoError(t, h1.Init(ctx, 1, r1.server.Addr))
	_, err := h1.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "early", Value: "committed"}})
	require.NoError(t, err)

	require.NoError(t, h1.AddLearner(ctx, 2, r2.server.Addr))

	v, ok := r2.server.SM.Get("early")
	require.True(t, ok)
	assert.Equal(t, "committed", v)

	// Entries after the snapshot replicate through the normal log path.
	require.NoError(t, h1.ChangeMembership(ctx, []consensus.NodeID{1, 2}))
	_, err = h1.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "late", Value: "replicated"}})
	require.NoError(t, err)

	v, ok = r2.server.SM.Get("late")
	require.True(t, ok)
	assert.Equal(t, "replicated", v)
}

// TestLeaderKillFailover is the S6 scenario: after the leader dies, a
// quorum of survivors elects a replacement and writes routed at any
// survivor still succeed via leader redirect.
func TestLeaderKillFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("election timing test")
	}
	const shard = "shard-0"
	r1 := spawnReplica(t, 1, shard)
	r2 := spawnReplica(t, 2, shard)
	r3 := spawnReplica(t, 3, shard)

	ctx := context.Background()
	h1 := shardhandle.New(r1.server.Addr.APIAddr, nil)

	require.NoError(t, h1.Init(ctx, 1, r1.server.Addr))
	require.NoError(t, h1.AddLearner(ctx, 2, r2.server.Addr))
	require.NoError(t, h1.AddLearner(ctx, 3, r3.server.Addr))
	require.NoError(t, h1.ChangeMembership(ctx, []consensus.NodeID{1, 2, 3}))

	_, err := h1.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.NoError(t, err)

	// Let at least one heartbeat broadcast the membership view to the
	// followers before taking the leader away from them.
	time.Sleep(600 * time.Millisecond)

	r1.server.Close()
	r1.api.Close()
	r1.rpc.Close()

	// Wait out a few election rounds.
	time.Sleep(2 * time.Second)

	h2 := shardhandle.New(r2.server.Addr.APIAddr, nil)
	_, err = h2.Write(ctx, statemachine.Request{Set: &statemachine.SetCommand{Key: "b", Value: "2"}})
	require.NoError(t, err)

	v, err := h2.ConsistentRead(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestGetHashRingRoundTrip(t *testing.T) {
	r1 := spawnReplica(t, 1, "shard-0")
	ctx := context.Background()
	h1 := shardhandle.New(r1.server.Addr.APIAddr, nil)
	require.NoError(t, h1.Init(ctx, 1, r1.server.Addr))

	ring, err := h1.GetHashRing(ctx)
	require.NoError(t, err)
	assert.True(t, ring.IsEmpty())
}
