package leaderlog

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/statemachine"
)

// RegisterHandlers mounts the consensus RPC endpoints (vote, append,
// snapshot) on r. The shard server binds r to the node's consensus
// port, separate from the public API listener.
func (e *Engine) RegisterHandlers(r *mux.Router) {
	r.HandleFunc(pathVote, e.handleVote).Methods(http.MethodPost)
	r.HandleFunc(pathAppend, e.handleAppend).Methods(http.MethodPost)
	r.HandleFunc(pathSnapshot, e.handleSnapshot).Methods(http.MethodPost)
}

func (e *Engine) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, e.HandleVoteRPC(req))
}

func (e *Engine) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, e.HandleAppendRPC(req))
}

// handleSnapshot installs a bulk state-machine snapshot sent by the
// leader to catch up a lagging or newly added learner. leaderlog does
// not chunk large snapshots; the whole state machine is restored in
// one call, and the local log restarts from the snapshot's last index.
func (e *Engine) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	if req.Term < e.currentTerm {
		term := e.currentTerm
		e.mu.Unlock()
		writeJSON(w, snapshotResponse{Term: term})
		return
	}
	e.currentTerm = req.Term
	e.state = consensus.StateFollower
	leader := consensus.NodeID(req.LeaderID)
	e.leaderID = &leader
	e.resetElectionTimer()
	term := e.currentTerm
	e.mu.Unlock()

	var snap statemachine.Snapshot
	if err := json.Unmarshal(req.Snapshot, &snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.sm.Restore(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	e.mu.Lock()
	e.entries = nil
	e.baseIndex = req.LastIdx
	if req.LastIdx > e.commitIndex {
		e.commitIndex = req.LastIdx
	}
	e.mu.Unlock()

	writeJSON(w, snapshotResponse{Term: term})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
