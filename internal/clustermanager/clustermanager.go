// Package clustermanager boots an entire fleet of shard replicas
// in-process (dev mode), elects each shard's initial leader,
// publishes the initial CARP ring, and persists the address matrix
// clients discover the fleet from.
package clustermanager

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/carpkv/internal/carp"
	"github.com/dreamware/carpkv/internal/config"
	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/discovery"
	"github.com/dreamware/carpkv/internal/shardhandle"
	"github.com/dreamware/carpkv/internal/shardserver"
	"github.com/dreamware/carpkv/internal/telemetry"
)

// Dev-default port scheme: API at 31000 + shard*10 + replica,
// consensus at 32000 + shard*10 + replica.
const (
	apiBasePort = 31000
	rpcBasePort = 32000
)

// APIPort returns the dev-default API port for shard s (0-indexed),
// replica r (1-indexed).
func APIPort(shard, replica int) int { return apiBasePort + shard*10 + replica }

// RPCPort returns the dev-default consensus port for shard s
// (0-indexed), replica r (1-indexed).
func RPCPort(shard, replica int) int { return rpcBasePort + shard*10 + replica }

type replicaProc struct {
	server      *shardserver.Server
	apiListener net.Listener
	rpcListener net.Listener
	apiHTTP     *http.Server
	rpcHTTP     *http.Server
}

// Manager owns every spawned replica process (in-process goroutines,
// not OS processes, in dev mode) and the shutdown channel that marks
// the fleet as shut down. Replica goroutines do not watch the channel;
// Shutdown stops each replica's servers directly.
type Manager struct {
	host     string
	shards   [][]*replicaProc // shards[s][r-1]
	shutdown chan struct{}
	wg       sync.WaitGroup
	log      *zap.Logger
	metrics  *telemetry.Metrics
}

// Bootstrap spawns fleet.NumClusters shards of fleet.NodesPerCluster
// replicas each, elects each shard's replica 1 as initial leader,
// builds and propagates the initial ring, and persists the address
// matrix to discoveryPath. host is typically "127.0.0.1".
func Bootstrap(ctx context.Context, fleet config.Fleet, host, discoveryPath string, metrics *telemetry.Metrics, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{host: host, shutdown: make(chan struct{}), log: logger, metrics: metrics}
	m.shards = make([][]*replicaProc, fleet.NumClusters)

	var spawnGroup errgroup.Group
	for s := 0; s < fleet.NumClusters; s++ {
		s := s
		spawnGroup.Go(func() error {
			procs := make([]*replicaProc, fleet.NodesPerCluster)
			for r := 1; r <= fleet.NodesPerCluster; r++ {
				p, err := m.spawnReplica(s, r)
				if err != nil {
					return fmt.Errorf("spawning shard %d replica %d: %w", s, r, err)
				}
				procs[r-1] = p
			}
			m.shards[s] = procs
			return nil
		})
	}
	if err := spawnGroup.Wait(); err != nil {
		m.Shutdown(context.Background())
		return nil, err
	}

	// Acceptable in bootstrap; production should poll readiness.
	time.Sleep(time.Second)

	var electGroup errgroup.Group
	for s := 0; s < fleet.NumClusters; s++ {
		s := s
		electGroup.Go(func() error {
			return m.electShardLeader(ctx, s, fleet.NodesPerCluster)
		})
	}
	if err := electGroup.Wait(); err != nil {
		m.Shutdown(context.Background())
		return nil, err
	}

	ring := m.buildInitialRing(fleet.NumClusters)
	if err := m.propagateRing(ctx, ring); err != nil {
		m.Shutdown(context.Background())
		return nil, err
	}

	matrix := m.addressMatrix()
	if err := discovery.Save(discoveryPath, matrix); err != nil {
		m.Shutdown(context.Background())
		return nil, err
	}

	return m, nil
}

func (m *Manager) spawnReplica(shard, replica int) (*replicaProc, error) {
	apiAddr := fmt.Sprintf("%s:%d", m.host, APIPort(shard, replica))
	rpcAddr := fmt.Sprintf("%s:%d", m.host, RPCPort(shard, replica))

	apiLn, err := net.Listen("tcp", apiAddr)
	if err != nil {
		return nil, err
	}
	rpcLn, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		_ = apiLn.Close()
		return nil, err
	}

	shardName := fmt.Sprintf("shard-%d", shard)
	addr := consensus.NodeAddr{APIAddr: apiLn.Addr().String(), RPCAddr: rpcLn.Addr().String()}
	srv := shardserver.New(consensus.NodeID(replica), addr, shardName, m.metrics, m.log)

	apiHTTP := &http.Server{Handler: srv.APIRouter()}
	rpcHTTP := &http.Server{Handler: srv.RPCRouter()}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		_ = apiHTTP.Serve(apiLn)
	}()
	go func() {
		defer m.wg.Done()
		_ = rpcHTTP.Serve(rpcLn)
	}()

	return &replicaProc{server: srv, apiListener: apiLn, rpcListener: rpcLn, apiHTTP: apiHTTP, rpcHTTP: rpcHTTP}, nil
}

// electShardLeader bootstraps one shard's membership: init single-node
// membership at replica 1, add the rest as learners, then promote them
// all via change_membership.
func (m *Manager) electShardLeader(ctx context.Context, shard, replicas int) error {
	procs := m.shards[shard]
	leaderAddr := procs[0].server.Addr
	h := shardhandle.New(leaderAddr.APIAddr, nil)

	if err := h.Init(ctx, 1, leaderAddr); err != nil {
		return fmt.Errorf("init shard %d: %w", shard, err)
	}
	for r := 2; r <= replicas; r++ {
		addr := procs[r-1].server.Addr
		if err := h.AddLearner(ctx, consensus.NodeID(r), addr); err != nil {
			return fmt.Errorf("add-learner shard %d replica %d: %w", shard, r, err)
		}
	}
	ids := make([]consensus.NodeID, replicas)
	for r := 1; r <= replicas; r++ {
		ids[r-1] = consensus.NodeID(r)
	}
	if err := h.ChangeMembership(ctx, ids); err != nil {
		return fmt.Errorf("change-membership shard %d: %w", shard, err)
	}
	return nil
}

// buildInitialRing builds one ring entry per shard: replica 1's API
// address, even load across shards.
func (m *Manager) buildInitialRing(numShards int) *carp.Ring {
	entries := make([]carp.Entry, numShards)
	for s := 0; s < numShards; s++ {
		entries[s] = carp.Entry{Addr: m.shards[s][0].server.Addr.APIAddr, Load: 1.0 / float32(numShards)}
	}
	return carp.New(entries, 0)
}

func (m *Manager) propagateRing(ctx context.Context, ring *carp.Ring) error {
	for _, procs := range m.shards {
		h := shardhandle.New(procs[0].server.Addr.APIAddr, nil)
		if err := h.UpdateHashRing(ctx, ring); err != nil {
			return fmt.Errorf("update_hash_ring on %s: %w", procs[0].server.Addr.APIAddr, err)
		}
	}
	return nil
}

func (m *Manager) addressMatrix() discovery.Matrix {
	matrix := make(discovery.Matrix, len(m.shards))
	for s, procs := range m.shards {
		row := make([]string, len(procs))
		for r, p := range procs {
			row[r] = p.server.Addr.APIAddr
		}
		matrix[s] = row
	}
	return matrix
}

// Shutdown closes the shutdown channel, drains every replica's
// listeners, and awaits all serve goroutines. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case <-m.shutdown:
		return // already shut down
	default:
		close(m.shutdown)
	}
	for _, procs := range m.shards {
		for _, p := range procs {
			if p == nil {
				continue
			}
			_ = p.apiHTTP.Shutdown(ctx)
			_ = p.rpcHTTP.Shutdown(ctx)
			p.server.Close()
		}
	}
	m.wg.Wait()
}
