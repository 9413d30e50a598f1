// Package consensus names the black-box contract every shard replica
// drives its state machine through: initialize, add_learner,
// change_membership, client_write, linearizable_read, and metrics.
// Log replication,
// leader election, and snapshot transfer are internal to whichever
// Engine implementation is plugged in; internal/statemachine,
// internal/shardserver, and internal/shardhandle depend only on this
// interface, never on an implementation's internals.
package consensus

import (
	"context"

	"github.com/dreamware/carpkv/internal/statemachine"
)

// NodeID identifies a replica within one shard's membership.
type NodeID uint64

// NodeAddr is the pair of endpoints a replica exposes: the public API
// address clients and the shard handle talk to, and the address other
// replicas use for consensus RPC.
type NodeAddr struct {
	APIAddr string
	RPCAddr string
}

// State is a replica's current role in the consensus protocol.
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
	StateLearner   State = "learner"
)

// Metrics is a point-in-time snapshot of a replica's consensus state,
// returned by GET /cluster/metrics.
type Metrics struct {
	ID          NodeID
	State       State
	CurrentTerm uint64
	LeaderID    *NodeID
	LeaderAddr  string
	LastLogIdx  uint64
	LastApplied statemachine.LogID
	Members     []NodeID
	Learners    []NodeID
}

// Engine is the contract a shard server drives its replicated state
// machine through. Every method takes a context so callers can bound
// RPC fan-out with the shard server's own request deadline.
type Engine interface {
	// Initialize bootstraps a single-node cluster consisting of
	// exactly the given members. Valid only before any other
	// membership or write operation has been performed.
	Initialize(ctx context.Context, members map[NodeID]NodeAddr) error

	// AddLearner adds id as a non-voting replication target. A learner
	// receives log entries but does not count toward quorum until
	// ChangeMembership promotes it.
	AddLearner(ctx context.Context, id NodeID, addr NodeAddr) error

	// ChangeMembership sets the voting membership to exactly the given
	// IDs, which must already be known (via Initialize or AddLearner).
	ChangeMembership(ctx context.Context, ids []NodeID) error

	// ClientWrite commits req to the replicated log and applies it.
	// Returns apperrors.NotLeader if this replica isn't the leader.
	ClientWrite(ctx context.Context, req statemachine.Request) (statemachine.Response, error)

	// LinearizableRead confirms this replica is still the leader of a
	// live quorum before reading key from the local state machine.
	// Returns apperrors.NotLeader if this replica isn't the leader and
	// knows which one is, and apperrors.CheckIsLeader if leadership
	// can't be confirmed otherwise.
	LinearizableRead(ctx context.Context, key string) (string, error)

	// Metrics returns the current consensus state snapshot.
	Metrics() Metrics
}
