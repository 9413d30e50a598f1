package leaderlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/statemachine"
)

// run drives the election timer for as long as the engine is alive.
// It is the only goroutine that flips a follower into a candidate;
// leaderHeartbeatLoop (started separately, once per term a replica
// becomes leader) is the only one that sends heartbeats.
func (e *Engine) run() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.electionTimer.C:
			e.mu.RLock()
			isLeader := e.state == consensus.StateLeader
			hasMembers := len(e.members) > 0
			e.mu.RUnlock()
			if hasMembers && !isLeader {
				e.startElection()
			}
			e.mu.Lock()
			e.resetElectionTimer()
			e.mu.Unlock()
		}
	}
}

func (e *Engine) startElection() {
	e.mu.Lock()
	e.currentTerm++
	term := e.currentTerm
	self := e.id
	e.votedFor = &self
	e.state = consensus.StateCandidate
	lastIndex := e.baseIndex + uint64(len(e.entries))
	var lastTerm uint64
	if len(e.entries) > 0 {
		lastTerm = e.entries[len(e.entries)-1].Term
	}
	peers := make(map[consensus.NodeID]consensus.NodeAddr, len(e.members))
	for id := range e.members {
		if id != e.id {
			peers[id] = e.addrs[id]
		}
	}
	quorum := len(e.members)/2 + 1
	e.mu.Unlock()

	e.log.Info("starting election", zap.Uint64("term", term), zap.Uint64("node", uint64(e.id)))

	votes := 1 // vote for self
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ElectionTimeoutMin)
	defer cancel()
	for _, addr := range peers {
		resp, err := e.rpc.requestVote(ctx, addr.RPCAddr, voteRequest{
			Term:         term,
			CandidateID:  uint64(e.id),
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})
		if err != nil {
			continue
		}
		if resp.Term > term {
			e.stepDown(resp.Term)
			return
		}
		if resp.VoteGranted {
			votes++
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTerm != term || e.state != consensus.StateCandidate {
		return // a higher term or a concurrent win already changed things
	}
	if votes >= quorum {
		e.state = consensus.StateLeader
		leaderID := e.id
		e.leaderID = &leaderID
		e.log.Info("won election", zap.Uint64("term", term), zap.Uint64("node", uint64(e.id)))
		go e.leaderHeartbeatLoop(term)
	} else {
		e.state = consensus.StateFollower
	}
}

func (e *Engine) stepDown(newTerm uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if newTerm > e.currentTerm {
		e.currentTerm = newTerm
		e.votedFor = nil
	}
	e.state = consensus.StateFollower
}

// leaderHeartbeatLoop sends empty AppendEntries at HeartbeatInterval to
// every known peer for as long as this replica remains leader in term.
func (e *Engine) leaderHeartbeatLoop(term uint64) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.RLock()
			if e.state != consensus.StateLeader || e.currentTerm != term {
				e.mu.RUnlock()
				return
			}
			peers := make(map[consensus.NodeID]consensus.NodeAddr, len(e.members)+len(e.learners))
			for id := range e.members {
				if id != e.id {
					peers[id] = e.addrs[id]
				}
			}
			for id := range e.learners {
				peers[id] = e.addrs[id]
			}
			lastIndex := e.baseIndex + uint64(len(e.entries))
			commit := e.commitIndex
			members, learners := e.membershipLocked()
			e.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HeartbeatInterval)
			for _, addr := range peers {
				resp, err := e.rpc.appendEntries(ctx, addr.RPCAddr, appendRequest{
					Term:         term,
					LeaderID:     uint64(e.id),
					PrevLogIndex: lastIndex,
					LeaderCommit: commit,
					Members:      members,
					Learners:     learners,
				})
				if err == nil && resp.Term > term {
					e.stepDown(resp.Term)
					cancel()
					return
				}
			}
			cancel()
		}
	}
}

// HandleVoteRPC answers a candidate's RequestVote call.
func (e *Engine) HandleVoteRPC(req voteRequest) voteResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Term < e.currentTerm {
		return voteResponse{Term: e.currentTerm, VoteGranted: false}
	}
	if req.Term > e.currentTerm {
		e.currentTerm = req.Term
		e.votedFor = nil
		e.state = consensus.StateFollower
	}

	lastIndex := e.baseIndex + uint64(len(e.entries))
	var lastTerm uint64
	if len(e.entries) > 0 {
		lastTerm = e.entries[len(e.entries)-1].Term
	}
	logUpToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	candidate := consensus.NodeID(req.CandidateID)
	if (e.votedFor == nil || *e.votedFor == candidate) && logUpToDate {
		e.votedFor = &candidate
		e.resetElectionTimer()
		return voteResponse{Term: e.currentTerm, VoteGranted: true}
	}
	return voteResponse{Term: e.currentTerm, VoteGranted: false}
}

// HandleAppendRPC answers a leader's AppendEntries call: heartbeat
// (Entries empty) or log replication (one entry, per ClientWrite's
// one-entry-per-call replication model).
func (e *Engine) HandleAppendRPC(req appendRequest) appendResponse {
	e.mu.Lock()

	if req.Term < e.currentTerm {
		term := e.currentTerm
		e.mu.Unlock()
		return appendResponse{Term: term, Success: false}
	}

	e.currentTerm = req.Term
	e.state = consensus.StateFollower
	leader := consensus.NodeID(req.LeaderID)
	e.leaderID = &leader
	e.adoptMembershipLocked(req.Members, req.Learners)
	e.resetElectionTimer()

	if len(req.Entries) == 0 {
		term := e.currentTerm
		e.mu.Unlock()
		return appendResponse{Term: term, Success: true}
	}

	if req.PrevLogIndex > e.baseIndex+uint64(len(e.entries)) {
		term := e.currentTerm
		e.mu.Unlock()
		return appendResponse{Term: term, Success: false}
	}

	entry := req.Entries[0]
	if entry.Index <= e.baseIndex {
		// Already covered by an installed snapshot.
		term := e.currentTerm
		e.mu.Unlock()
		return appendResponse{Term: term, Success: true}
	}
	if e.baseIndex+uint64(len(e.entries)) >= entry.Index {
		e.entries = e.entries[:entry.Index-1-e.baseIndex]
	}
	e.entries = append(e.entries, entry)
	if req.LeaderCommit > e.commitIndex {
		e.commitIndex = req.LeaderCommit
	}
	term := e.currentTerm
	sm := e.sm
	e.mu.Unlock()

	_, _ = sm.Apply(statemachine.LogID{Term: entry.Term, Index: entry.Index}, entry.Req)

	return appendResponse{Term: term, Success: true}
}
