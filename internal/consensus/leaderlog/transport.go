package leaderlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/carpkv/internal/consensus"
)

// The three RPC methods exchanged between replicas, carried over
// HTTP/JSON. The shard server owns no opinion about the wire format;
// only the Engine interface it drives is load-bearing, so a different
// engine could frame these however it likes.
const (
	pathVote     = "/consensus/vote"
	pathAppend   = "/consensus/append"
	pathSnapshot = "/consensus/snapshot"
)

type voteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  uint64 `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type voteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type appendRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     uint64     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []logEntry `json:"entries"`
	LeaderCommit uint64     `json:"leader_commit"`

	// Members/Learners piggyback the leader's current membership view on
	// every append so followers and learners can elect among themselves
	// after the leader dies. A full Raft would commit membership through
	// the log; this engine broadcasts it instead.
	Members  map[uint64]consensus.NodeAddr `json:"members,omitempty"`
	Learners map[uint64]consensus.NodeAddr `json:"learners,omitempty"`
}

type appendResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

type snapshotRequest struct {
	Term     uint64          `json:"term"`
	LeaderID uint64          `json:"leader_id"`
	Snapshot json.RawMessage `json:"snapshot"`
	LastIdx  uint64          `json:"last_idx"`
	LastTerm uint64          `json:"last_term"`
}

type snapshotResponse struct {
	Term uint64 `json:"term"`
}

// rpcClient performs the three consensus RPCs over plain HTTP, sharing
// one *http.Client across calls the way internal/shardhandle does for
// the public API surface.
type rpcClient struct {
	http *http.Client
}

func newRPCClient(timeout time.Duration) *rpcClient {
	return &rpcClient{http: &http.Client{Timeout: timeout}}
}

func (c *rpcClient) post(ctx context.Context, addr, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leaderlog: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *rpcClient) requestVote(ctx context.Context, addr string, req voteRequest) (voteResponse, error) {
	var out voteResponse
	err := c.post(ctx, addr, pathVote, req, &out)
	return out, err
}

func (c *rpcClient) appendEntries(ctx context.Context, addr string, req appendRequest) (appendResponse, error) {
	var out appendResponse
	err := c.post(ctx, addr, pathAppend, req, &out)
	return out, err
}

func (c *rpcClient) installSnapshot(ctx context.Context, addr string, req snapshotRequest) (snapshotResponse, error) {
	var out snapshotResponse
	err := c.post(ctx, addr, pathSnapshot, req, &out)
	return out, err
}
