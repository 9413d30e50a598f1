// Package carp implements the CARP (Cache Array Routing Protocol)
// weighted rendezvous hash ring used to route keys to shards.
//
// A Ring holds one Node per shard primary, each carrying a relative
// load and a derived load factor. Get selects the highest-scoring node
// for a key; Add/Remove mutate the ring and trigger a rebalance of
// every node's load factor, and SetFallback records a fallback address
// without rebalancing. Rings cross process
// boundaries (consensus log entries, admin RPC responses), so Node's
// derived fields are never trusted from the wire — they are always
// recomputed from RelativeLoad and Addr on decode.
package carp

import (
	"encoding/json"
	"errors"
	"math"

	"github.com/dreamware/carpkv/internal/hashutil"
)

// ErrEmptyRing is returned by Get when the ring has no nodes.
var ErrEmptyRing = errors.New("carp: ring is empty")

// protocolVersion is the constant CARP wire-protocol version this ring
// implements.
const protocolVersion = 1.0

// defaultListTTL is the advisory freshness hint, in seconds, clients
// use to decide when to refetch the ring.
const defaultListTTL = 10 * 60

// Node is a single member of a CARP ring: a shard's primary address,
// its relative share of traffic, and the load factor derived from it.
type Node struct {
	// Addr is the shard primary's routable address (host:port).
	Addr string
	// RelativeLoad is this node's share of total traffic, normalized
	// across the ring to sum to 1.0 after every rebalance.
	RelativeLoad float32
	// LoadFactor is derived by rebalance; it biases Get's scoring so
	// that, in steady state, traffic share matches RelativeLoad.
	LoadFactor float32
	// Hash is MembershipHash(Addr), recomputed whenever Addr is set.
	Hash uint32
	// Fallbacks is the ordered list of addresses to try if Addr is
	// unreachable, populated by SetFallback.
	Fallbacks []string
}

func newNode(addr string, relativeLoad float32) *Node {
	return &Node{
		Addr:         addr,
		RelativeLoad: relativeLoad,
		Hash:         hashutil.MembershipHash(addr),
	}
}

// Entry is an (address, relative load) pair used to construct a Ring.
type Entry struct {
	Addr string
	Load float32
}

// Ring is the CARP hash ring: an ordered, weighted set of shard
// primaries plus the protocol metadata that travels with it on the
// wire.
type Ring struct {
	// Version is the constant CARP protocol version, 1.0.
	Version float64
	// ConfigID increases by one on every Add, Remove, or SetFallback.
	ConfigID uint64
	// ListTTL is the advisory refresh interval, in seconds.
	ListTTL int
	// Nodes is sorted by RelativeLoad ascending after every rebalance.
	Nodes []*Node
}

// New builds a ring from (addr, relativeLoad) entries and rebalances
// it. An empty entries slice produces an empty ring.
func New(entries []Entry, configID uint64) *Ring {
	nodes := make([]*Node, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, newNode(e.Addr, e.Load))
	}
	r := &Ring{
		Version:  protocolVersion,
		ConfigID: configID,
		ListTTL:  defaultListTTL,
		Nodes:    nodes,
	}
	rebalance(r.Nodes)
	return r
}

// Len returns the number of nodes in the ring.
func (r *Ring) Len() int { return len(r.Nodes) }

// IsEmpty reports whether the ring has no nodes.
func (r *Ring) IsEmpty() bool { return len(r.Nodes) == 0 }

// Add appends a node, rebalances, and bumps ConfigID.
func (r *Ring) Add(addr string, relativeLoad float32) {
	r.Nodes = append(r.Nodes, newNode(addr, relativeLoad))
	rebalance(r.Nodes)
	r.ConfigID++
}

// Remove filters out the node with the given address, rebalances the
// remainder (a no-op if the ring becomes empty), and bumps ConfigID.
func (r *Ring) Remove(addr string) {
	kept := r.Nodes[:0:0]
	for _, n := range r.Nodes {
		if n.Addr != addr {
			kept = append(kept, n)
		}
	}
	r.Nodes = kept
	if len(r.Nodes) > 0 {
		rebalance(r.Nodes)
	}
	r.ConfigID++
}

// SetFallback records fallbackAddr as the next address to try when
// primaryAddr is unreachable. It does not rebalance load factors, but
// it does bump ConfigID since the ring's routing behavior changed.
func (r *Ring) SetFallback(primaryAddr, fallbackAddr string) {
	for _, n := range r.Nodes {
		if n.Addr == primaryAddr {
			n.Fallbacks = append([]string{fallbackAddr}, n.Fallbacks...)
			r.ConfigID++
			return
		}
	}
}

// Fallbacks returns the ordered fallback addresses recorded for addr,
// or nil if addr is unknown or has none.
func (r *Ring) Fallbacks(addr string) []string {
	for _, n := range r.Nodes {
		if n.Addr == addr {
			return n.Fallbacks
		}
	}
	return nil
}

// Get returns the address of the node CARP selects for url. It fails
// with ErrEmptyRing if the ring has no nodes.
//
// Scoring: for each node, score = float32(combine(node.Hash,
// urlHash)) * node.LoadFactor; the highest score wins, ties broken by
// first occurrence in Nodes order. The u32→f32 cast is deliberate — it
// loses precision on large hash values and the CARP draft's
// distribution properties depend on that loss, so it is not an
// oversight to "fix".
func (r *Ring) Get(url string) (string, error) {
	if r.IsEmpty() {
		return "", ErrEmptyRing
	}
	urlHash := hashutil.URLHash(url)
	bestScore := float32(math.Inf(-1))
	best := r.Nodes[0]
	for _, n := range r.Nodes {
		score := float32(hashutil.Combine(n.Hash, urlHash)) * n.LoadFactor
		if score > bestScore {
			bestScore = score
			best = n
		}
	}
	return best.Addr, nil
}

// Clone deep-copies the ring so it can be handed to a consensus log
// entry without aliasing the caller's copy.
func (r *Ring) Clone() *Ring {
	nodes := make([]*Node, len(r.Nodes))
	for i, n := range r.Nodes {
		cp := *n
		cp.Fallbacks = append([]string(nil), n.Fallbacks...)
		nodes[i] = &cp
	}
	return &Ring{
		Version:  r.Version,
		ConfigID: r.ConfigID,
		ListTTL:  r.ListTTL,
		Nodes:    nodes,
	}
}

// rebalance normalizes relative loads to sum to 1, sorts nodes
// ascending by relative load, and derives each node's load factor per
// the CARP iterative formula. Empty input is a no-op; a single node
// always gets load factor 1.
func rebalance(nodes []*Node) {
	if len(nodes) == 0 {
		return
	}

	var total float64
	for _, n := range nodes {
		total += float64(n.RelativeLoad)
	}
	for _, n := range nodes {
		n.RelativeLoad = float32(float64(n.RelativeLoad) / total)
	}

	sortByRelativeLoad(nodes)

	n := float64(len(nodes))
	lastLoad := math.Pow(float64(nodes[0].RelativeLoad)*n, 1.0/n)
	nodes[0].LoadFactor = float32(lastLoad)

	runningProd := lastLoad
	lastRelative := float64(nodes[0].RelativeLoad)

	for i := 1; i < len(nodes); i++ {
		remaining := n - float64(i)
		x := (remaining * (float64(nodes[i].RelativeLoad) - lastRelative)) / runningProd
		x += math.Pow(lastLoad, remaining)
		x = math.Pow(x, 1.0/remaining)

		nodes[i].LoadFactor = float32(x)
		runningProd *= x
		lastRelative = float64(nodes[i].RelativeLoad)
		lastLoad = x
	}
}

// sortByRelativeLoad performs a stable ascending sort; ties in
// RelativeLoad are broken by original order, matching the rebalance
// algorithm's tolerance for tie order up to float precision.
func sortByRelativeLoad(nodes []*Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j-1].RelativeLoad > nodes[j].RelativeLoad; j-- {
			nodes[j-1], nodes[j] = nodes[j], nodes[j-1]
		}
	}
}

// wireNode is the on-the-wire representation of a Node: only Addr,
// RelativeLoad and Fallbacks cross the boundary. Hash and LoadFactor
// are always derived on decode.
type wireNode struct {
	Addr         string   `json:"addr"`
	RelativeLoad float32  `json:"relative_load"`
	Fallbacks    []string `json:"fallbacks,omitempty"`
}

type wireRing struct {
	Version  float64    `json:"version"`
	ConfigID uint64     `json:"config_id"`
	ListTTL  int        `json:"list_ttl"`
	Nodes    []wireNode `json:"nodes"`
}

// MarshalJSON serializes the ring's wire-visible fields: version,
// config_id, list_ttl, and nodes[{addr, relative_load, fallbacks}]
// (fallbacks omitted when empty).
func (r *Ring) MarshalJSON() ([]byte, error) {
	w := wireRing{
		Version:  r.Version,
		ConfigID: r.ConfigID,
		ListTTL:  r.ListTTL,
		Nodes:    make([]wireNode, len(r.Nodes)),
	}
	for i, n := range r.Nodes {
		w.Nodes[i] = wireNode{Addr: n.Addr, RelativeLoad: n.RelativeLoad, Fallbacks: n.Fallbacks}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form and recomputes Hash and
// LoadFactor for every node via rebalance, never trusting derived
// fields from an untrusted peer.
func (r *Ring) UnmarshalJSON(data []byte) error {
	var w wireRing
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	nodes := make([]*Node, len(w.Nodes))
	for i, wn := range w.Nodes {
		nodes[i] = &Node{
			Addr:         wn.Addr,
			RelativeLoad: wn.RelativeLoad,
			Hash:         hashutil.MembershipHash(wn.Addr),
			Fallbacks:    wn.Fallbacks,
		}
	}
	rebalance(nodes)

	r.Version = w.Version
	r.ConfigID = w.ConfigID
	r.ListTTL = w.ListTTL
	r.Nodes = nodes
	return nil
}
