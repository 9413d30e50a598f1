// Package leaderlog is one concrete implementation of consensus.Engine:
// a single-leader replicated log with randomized-timeout election in
// the Raft style. It is deliberately not a full Raft implementation --
// no persistent log store, no log-matching backtrack beyond the
// immediately preceding entry, no snapshot catch-up beyond a single
// bulk transfer. The consensus engine is an external collaborator with
// only its interface load-bearing; leaderlog exists to give that
// interface a working body, not to be a reference Raft.
package leaderlog

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/carpkv/internal/apperrors"
	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/statemachine"
	"github.com/dreamware/carpkv/internal/telemetry"
)

// Config holds the engine's timing parameters.
type Config struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	RPCTimeout         time.Duration
}

// DefaultConfig matches the constants a shard server is configured
// with: heartbeat_interval=250ms, election_timeout_min=299ms, with a
// derived election_timeout_max of twice the minimum.
func DefaultConfig() Config {
	min := 299 * time.Millisecond
	return Config{
		HeartbeatInterval:  250 * time.Millisecond,
		ElectionTimeoutMin: min,
		ElectionTimeoutMax: 2 * min,
		RPCTimeout:         2 * min,
	}
}

type logEntry struct {
	Term  uint64
	Index uint64
	Req   statemachine.Request
}

// Engine is one replica's participation in a shard's consensus group.
type Engine struct {
	id   consensus.NodeID
	self consensus.NodeAddr
	cfg  Config

	sm     *statemachine.StateMachine
	rpc    *rpcClient
	metric *telemetry.Metrics
	shard  string
	log    *zap.Logger

	mu          sync.RWMutex
	state       consensus.State
	currentTerm uint64
	votedFor    *consensus.NodeID
	entries     []logEntry
	baseIndex   uint64 // highest log index covered by an installed snapshot
	commitIndex uint64
	leaderID    *consensus.NodeID
	members     map[consensus.NodeID]bool
	learners    map[consensus.NodeID]bool
	addrs       map[consensus.NodeID]consensus.NodeAddr

	electionTimer *time.Timer
	closeOnce     sync.Once
	stopCh        chan struct{}
}

// New returns an Engine for replica id, not yet a member of any
// cluster; Initialize must be called (directly, or via add_learner +
// change_membership from an existing leader) before it does anything.
func New(id consensus.NodeID, self consensus.NodeAddr, sm *statemachine.StateMachine, cfg Config, shardName string, metric *telemetry.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		id:       id,
		self:     self,
		cfg:      cfg,
		sm:       sm,
		rpc:      newRPCClient(cfg.RPCTimeout),
		metric:   metric,
		shard:    shardName,
		log:      logger,
		state:    consensus.StateFollower,
		members:  map[consensus.NodeID]bool{},
		learners: map[consensus.NodeID]bool{},
		addrs:    map[consensus.NodeID]consensus.NodeAddr{id: self},
		stopCh:   make(chan struct{}),
	}
	e.electionTimer = time.NewTimer(e.randomElectionTimeout())
	go e.run()
	return e
}

// Close stops the election/heartbeat goroutines. Safe to call more
// than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) randomElectionTimeout() time.Duration {
	lo, hi := e.cfg.ElectionTimeoutMin, e.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (e *Engine) resetElectionTimer() {
	if !e.electionTimer.Stop() {
		select {
		case <-e.electionTimer.C:
		default:
		}
	}
	e.electionTimer.Reset(e.randomElectionTimeout())
}

// Initialize bootstraps this replica as leader of a brand-new,
// single-term cluster consisting of members. Valid only while the log
// and membership are both still empty.
func (e *Engine) Initialize(ctx context.Context, members map[consensus.NodeID]consensus.NodeAddr) error {
	e.mu.Lock()
	if len(e.entries) != 0 || len(e.members) != 0 || e.currentTerm != 0 {
		e.mu.Unlock()
		return apperrors.Initialize("engine already initialized")
	}
	for id, addr := range members {
		e.members[id] = true
		e.addrs[id] = addr
	}
	e.currentTerm = 1
	e.state = consensus.StateLeader
	self := e.id
	e.leaderID = &self
	e.mu.Unlock()

	e.log.Info("consensus initialized", zap.String("shard", e.shard), zap.Uint64("node", uint64(e.id)), zap.Int("members", len(members)))
	go e.leaderHeartbeatLoop(1)
	return nil
}

// AddLearner registers id/addr as a non-voting replication target and
// ships it the leader's current state-machine snapshot so it starts
// from the same applied state instead of missing every entry committed
// before it joined. Only the leader may add learners.
func (e *Engine) AddLearner(ctx context.Context, id consensus.NodeID, addr consensus.NodeAddr) error {
	e.mu.Lock()
	if e.state != consensus.StateLeader {
		leaderAddr := ""
		if e.leaderID != nil {
			leaderAddr = e.addrs[*e.leaderID].APIAddr
		}
		e.mu.Unlock()
		return apperrors.NotLeader(leaderAddr)
	}
	e.learners[id] = true
	e.addrs[id] = addr
	term := e.currentTerm
	lastIdx := e.baseIndex + uint64(len(e.entries))
	var lastTerm uint64
	if len(e.entries) > 0 {
		lastTerm = e.entries[len(e.entries)-1].Term
	}
	e.mu.Unlock()

	snap, err := json.Marshal(e.sm.Snapshot())
	if err != nil {
		return apperrors.LearnerNotReady(err.Error())
	}
	if _, err := e.rpc.installSnapshot(ctx, addr.RPCAddr, snapshotRequest{
		Term:     term,
		LeaderID: uint64(e.id),
		Snapshot: snap,
		LastIdx:  lastIdx,
		LastTerm: lastTerm,
	}); err != nil {
		return apperrors.LearnerNotReady(err.Error())
	}
	return nil
}

// ChangeMembership sets the voting membership to exactly ids. Any id
// previously tracked only as a learner is promoted; any existing
// member dropped from ids demotes to a learner, keeping its address
// known for future re-promotion.
func (e *Engine) ChangeMembership(ctx context.Context, ids []consensus.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != consensus.StateLeader {
		leaderAddr := ""
		if e.leaderID != nil {
			leaderAddr = e.addrs[*e.leaderID].APIAddr
		}
		return apperrors.NotLeader(leaderAddr)
	}
	next := make(map[consensus.NodeID]bool, len(ids))
	for _, id := range ids {
		if _, known := e.addrs[id]; !known {
			return apperrors.ClientWrite("change_membership: unknown node id")
		}
		next[id] = true
		delete(e.learners, id)
	}
	for id := range e.members {
		if !next[id] {
			e.learners[id] = true
		}
	}
	e.members = next
	return nil
}

// ClientWrite appends req to the log and, once a quorum of the voting
// membership has acknowledged it, applies it to the state machine.
func (e *Engine) ClientWrite(ctx context.Context, req statemachine.Request) (statemachine.Response, error) {
	e.mu.Lock()
	if e.state != consensus.StateLeader {
		leaderAddr := ""
		if e.leaderID != nil {
			leaderAddr = e.addrs[*e.leaderID].APIAddr
		}
		e.mu.Unlock()
		return statemachine.Response{}, apperrors.NotLeader(leaderAddr)
	}
	term := e.currentTerm
	index := e.baseIndex + uint64(len(e.entries)) + 1
	entry := logEntry{Term: term, Index: index, Req: req}
	e.entries = append(e.entries, entry)
	targets := make(map[consensus.NodeID]consensus.NodeAddr, len(e.members)+len(e.learners))
	for id := range e.members {
		targets[id] = e.addrs[id]
	}
	for id := range e.learners {
		targets[id] = e.addrs[id]
	}
	members, learners := e.membershipLocked()
	quorum := len(e.members)/2 + 1
	e.mu.Unlock()

	acks := 1 // self
	var wg sync.WaitGroup
	var mu sync.Mutex
	for id, addr := range targets {
		if id == e.id {
			continue
		}
		_, isVoter := members[uint64(id)]
		wg.Add(1)
		go func(addr consensus.NodeAddr, isVoter bool) {
			defer wg.Done()
			resp, err := e.rpc.appendEntries(ctx, addr.RPCAddr, appendRequest{
				Term:         term,
				LeaderID:     uint64(e.id),
				PrevLogIndex: index - 1,
				Entries:      []logEntry{entry},
				LeaderCommit: e.commitIndexSnapshot(),
				Members:      members,
				Learners:     learners,
			})
			if err != nil || !resp.Success || !isVoter {
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(addr, isVoter)
	}
	wg.Wait()

	if acks < quorum {
		return statemachine.Response{}, apperrors.ClientWrite("failed to reach quorum")
	}

	e.mu.Lock()
	e.commitIndex = index
	e.mu.Unlock()

	resp, err := e.sm.Apply(statemachine.LogID{Term: term, Index: index}, req)
	if e.metric != nil {
		e.metric.IncOp(e.shard, opForRequest(req))
	}
	return resp, err
}

func opForRequest(req statemachine.Request) telemetry.Op {
	if req.Set != nil {
		return telemetry.OpPut
	}
	return telemetry.OpGet
}

func (e *Engine) commitIndexSnapshot() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.commitIndex
}

// membershipLocked copies the current membership view into the wire
// shape append RPCs broadcast. Caller must hold e.mu.
func (e *Engine) membershipLocked() (members, learners map[uint64]consensus.NodeAddr) {
	members = make(map[uint64]consensus.NodeAddr, len(e.members))
	for id := range e.members {
		members[uint64(id)] = e.addrs[id]
	}
	learners = make(map[uint64]consensus.NodeAddr, len(e.learners))
	for id := range e.learners {
		learners[uint64(id)] = e.addrs[id]
	}
	return members, learners
}

// adoptMembershipLocked replaces this replica's membership view with
// the one the leader broadcast, so a follower can run elections among
// the right peers if the leader dies. Caller must hold e.mu for write.
func (e *Engine) adoptMembershipLocked(members, learners map[uint64]consensus.NodeAddr) {
	if len(members) == 0 {
		return
	}
	e.members = make(map[consensus.NodeID]bool, len(members))
	e.learners = make(map[consensus.NodeID]bool, len(learners))
	for id, addr := range members {
		e.members[consensus.NodeID(id)] = true
		e.addrs[consensus.NodeID(id)] = addr
	}
	for id, addr := range learners {
		e.learners[consensus.NodeID(id)] = true
		e.addrs[consensus.NodeID(id)] = addr
	}
}

// LinearizableRead confirms leadership against a quorum via a blank
// heartbeat round, then reads the local state machine. A non-leader
// that knows the current leader returns apperrors.NotLeader so the
// caller can redirect.
func (e *Engine) LinearizableRead(ctx context.Context, key string) (string, error) {
	e.mu.RLock()
	if e.state != consensus.StateLeader {
		leaderAddr := ""
		if e.leaderID != nil && *e.leaderID != e.id {
			leaderAddr = e.addrs[*e.leaderID].APIAddr
		}
		e.mu.RUnlock()
		if leaderAddr != "" {
			return "", apperrors.NotLeader(leaderAddr)
		}
		return "", apperrors.CheckIsLeader("not leader")
	}
	term := e.currentTerm
	index := e.baseIndex + uint64(len(e.entries))
	voters := make(map[consensus.NodeID]consensus.NodeAddr, len(e.members))
	for id := range e.members {
		voters[id] = e.addrs[id]
	}
	quorum := len(e.members)/2 + 1
	e.mu.RUnlock()

	acks := 1
	var wg sync.WaitGroup
	var mu sync.Mutex
	for id, addr := range voters {
		if id == e.id {
			continue
		}
		wg.Add(1)
		go func(addr consensus.NodeAddr) {
			defer wg.Done()
			resp, err := e.rpc.appendEntries(ctx, addr.RPCAddr, appendRequest{
				Term:         term,
				LeaderID:     uint64(e.id),
				PrevLogIndex: index,
				LeaderCommit: e.commitIndexSnapshot(),
			})
			if err != nil || !resp.Success {
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	if acks < quorum {
		return "", apperrors.CheckIsLeader("lost quorum confirming leadership")
	}
	v, _ := e.sm.ConsistentGet(key)
	if e.metric != nil {
		e.metric.IncOp(e.shard, telemetry.OpGet)
	}
	return v, nil
}

// Metrics returns the current consensus state snapshot.
func (e *Engine) Metrics() consensus.Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	members := make([]consensus.NodeID, 0, len(e.members))
	for id := range e.members {
		members = append(members, id)
	}
	learners := make([]consensus.NodeID, 0, len(e.learners))
	for id := range e.learners {
		learners = append(learners, id)
	}
	leaderAddr := ""
	if e.leaderID != nil {
		leaderAddr = e.addrs[*e.leaderID].APIAddr
	}
	return consensus.Metrics{
		ID:          e.id,
		State:       e.state,
		CurrentTerm: e.currentTerm,
		LeaderID:    e.leaderID,
		LeaderAddr:  leaderAddr,
		LastLogIdx:  e.baseIndex + uint64(len(e.entries)),
		LastApplied: e.sm.LastApplied(),
		Members:     members,
		Learners:    learners,
	}
}
