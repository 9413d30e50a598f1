// Package apperrors defines the error taxonomy shared across the
// shard server, shard handle, and KV client. Every error a
// component surfaces to a caller is one of these variants; internal
// detail beyond the variant is never leaked across the HTTP boundary.
package apperrors

import "fmt"

// Kind identifies which taxonomy variant an error belongs to, so
// callers can branch on category (e.g. retry TransportError and
// NotLeader, surface everything else).
type Kind string

const (
	KindTransport             Kind = "TransportError"
	KindNotLeader             Kind = "NotLeader"
	KindClientWrite           Kind = "ClientWriteError"
	KindCheckIsLeader         Kind = "CheckIsLeaderError"
	KindInitialize            Kind = "InitializeError"
	KindLearnerNotReady       Kind = "LearnerNotReady"
	KindUnknownShard          Kind = "UnknownShard"
	KindAllReplicasUnreachable Kind = "AllReplicasUnreachable"
)

// Error is the wire/taxonomy representation of a failure. Addr carries
// the redirect target for NotLeader and is empty otherwise.
type Error struct {
	Kind Kind   `json:"error"`
	Addr string `json:"leader_addr,omitempty"`
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return string(e.Kind)
}

// Transport wraps a connection/timeout/malformed-response failure.
// Retryable.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, msg: err.Error()}
}

// NotLeader indicates the contacted replica is not the leader; callers
// should retarget to leaderAddr. Retryable by re-targeting.
func NotLeader(leaderAddr string) *Error {
	return &Error{Kind: KindNotLeader, Addr: leaderAddr}
}

// ClientWrite indicates consensus rejected a write (e.g. during
// reconfiguration). Surfaced to the caller, not retried automatically.
func ClientWrite(reason string) *Error {
	return &Error{Kind: KindClientWrite, msg: reason}
}

// CheckIsLeader indicates a linearizable read could not be guaranteed.
// Surfaced to the caller.
func CheckIsLeader(reason string) *Error {
	return &Error{Kind: KindCheckIsLeader, msg: reason}
}

// Initialize indicates cluster bootstrap failed. Fatal.
func Initialize(reason string) *Error {
	return &Error{Kind: KindInitialize, msg: reason}
}

// LearnerNotReady indicates a newly added learner could not be caught
// up (snapshot transfer failed). Surfaced to the admin caller.
func LearnerNotReady(reason string) *Error {
	return &Error{Kind: KindLearnerNotReady, msg: reason}
}

// UnknownShard indicates the ring named an address the caller cannot
// resolve to a shard handle. Surfaced; should trigger a ring refresh.
func UnknownShard(addr string) *Error {
	return &Error{Kind: KindUnknownShard, msg: addr}
}

// AllReplicasUnreachable indicates every fallback was exhausted without
// success. Surfaced; the caller decides what to do next.
func AllReplicasUnreachable(primaryAddr string) *Error {
	return &Error{Kind: KindAllReplicasUnreachable, msg: primaryAddr}
}

// Is reports whether err is an *Error of the given Kind, so callers can
// write `apperrors.Is(err, apperrors.KindNotLeader)` instead of type
// assertions.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// Retryable reports whether the taxonomy says this error is safe to
// retry without caller-visible side effects: TransportError and
// NotLeader only.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == KindTransport || e.Kind == KindNotLeader
}
