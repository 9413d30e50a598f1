// Package kvclient builds its shard-handle map from the discovery
// file, routes writes and reads through the CARP ring, and falls back
// across a shard's other replicas on failure. The ring it holds is an
// advisory cache, never authoritative; the shard state machines are.
package kvclient

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/carpkv/internal/apperrors"
	"github.com/dreamware/carpkv/internal/carp"
	"github.com/dreamware/carpkv/internal/discovery"
	"github.com/dreamware/carpkv/internal/failover"
	"github.com/dreamware/carpkv/internal/shardhandle"
	"github.com/dreamware/carpkv/internal/statemachine"
	"github.com/dreamware/carpkv/internal/telemetry"
)

// Client routes key-value operations to shard replicas via a locally
// cached CARP ring, refreshing it on its own TTL or on repeated
// routing errors.
type Client struct {
	httpClient *http.Client
	metrics    *telemetry.Metrics

	mu        sync.RWMutex
	ring      *carp.Ring
	handles   map[string]*shardhandle.Handle
	knownAddr []string // every address known from the discovery file, for bootstrap/refresh
	lastFetch time.Time
	errStreak int
}

// New builds a Client from the addresses in the discovery matrix,
// fetching the ring from a uniformly random replica, retrying the next
// at random until one succeeds or the list is exhausted.
func New(ctx context.Context, matrix discovery.Matrix, httpClient *http.Client, metrics *telemetry.Metrics) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	addrs := matrix.Flatten()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kvclient: discovery matrix has no addresses")
	}

	c := &Client{httpClient: httpClient, metrics: metrics, knownAddr: addrs}
	if err := c.bootstrapRing(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) bootstrapRing(ctx context.Context) error {
	order := rand.Perm(len(c.knownAddr))
	var lastErr error
	for _, i := range order {
		addr := c.knownAddr[i]
		ring, err := shardhandle.New(addr, c.httpClient).GetHashRing(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		c.installRing(ring)
		return nil
	}
	return fmt.Errorf("kvclient: no replica answered get_hash_ring: %w", lastErr)
}

func (c *Client) installRing(ring *carp.Ring) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = ring
	c.lastFetch = timeNow()
	c.errStreak = 0
	c.handles = make(map[string]*shardhandle.Handle, ring.Len())
	for _, n := range ring.Nodes {
		c.handles[n.Addr] = shardhandle.New(n.Addr, c.httpClient)
		for _, fb := range n.Fallbacks {
			if _, ok := c.handles[fb]; !ok {
				c.handles[fb] = shardhandle.New(fb, c.httpClient)
			}
		}
	}
}

// timeNow is a seam so tests can avoid depending on wall-clock skew;
// production code just wants "now".
var timeNow = time.Now

// Primary attempts back off exponentially on retryable failures
// (transport errors and leader churn) before the client falls through
// to the fallback list. Fallback probes themselves are single-shot --
// they are already the recovery path.
const (
	retryAttempts   = 3
	retryBackoffMin = 50 * time.Millisecond
)

func withRetry(ctx context.Context, op func() error) error {
	backoff := retryBackoffMin
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !apperrors.Retryable(err) || attempt == retryAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) ringSnapshot() (*carp.Ring, map[string]*shardhandle.Handle) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ring, c.handles
}

func (c *Client) needsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ring == nil {
		return true
	}
	if c.errStreak >= 3 {
		return true
	}
	ttl := time.Duration(c.ring.ListTTL) * time.Second
	return ttl > 0 && timeNow().Sub(c.lastFetch) > ttl
}

func (c *Client) noteError() {
	c.mu.Lock()
	c.errStreak++
	c.mu.Unlock()
}

func (c *Client) maybeRefresh(ctx context.Context) {
	if !c.needsRefresh() {
		return
	}
	_ = c.bootstrapRing(ctx)
}

// Put routes a Set to key's primary shard, falling back to the ring's
// recorded fallback list on failure, mutating the cached ring on the
// first successful fallback.
func (c *Client) Put(ctx context.Context, key, value string) error {
	c.maybeRefresh(ctx)
	ring, handles := c.ringSnapshot()
	if ring == nil || ring.IsEmpty() {
		return apperrors.UnknownShard("")
	}

	primary, err := ring.Get(key)
	if err != nil {
		return apperrors.UnknownShard("")
	}
	h, ok := handles[primary]
	if !ok {
		return apperrors.UnknownShard(primary)
	}

	req := statemachine.Request{Set: &statemachine.SetCommand{Key: key, Value: value}}
	err = withRetry(ctx, func() error {
		_, werr := h.Write(ctx, req)
		return werr
	})
	if err == nil {
		return nil
	}
	c.noteError()

	plan := failover.PlanFor(ring, primary)
	for _, addr := range plan.Fallbacks {
		fh, ok := handles[addr]
		if !ok {
			fh = shardhandle.New(addr, c.httpClient)
		}
		if _, err := fh.Write(ctx, req); err == nil {
			c.promoteFallback(primary, addr)
			return nil
		}
	}
	return apperrors.AllReplicasUnreachable(primary)
}

// promoteFallback mutates the client's own ring cache to put addr at
// the front of primary's fallback list; Get still selects primary
// first. This is advisory only: the
// client will pick up the authoritative ring on its next refresh.
func (c *Client) promoteFallback(primary, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return
	}
	c.ring.SetFallback(primary, addr)
	if c.metrics != nil {
		c.metrics.IncFallbackRoute(primary)
	}
}

// Get routes a non-linearizable read to key's primary shard, retrying
// fallbacks on failure without mutating the ring.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.read(ctx, key, func(h *shardhandle.Handle) (string, error) {
		return h.Read(ctx, key)
	})
}

// ConsistentGet is the linearizable counterpart to Get.
func (c *Client) ConsistentGet(ctx context.Context, key string) (string, error) {
	return c.read(ctx, key, func(h *shardhandle.Handle) (string, error) {
		return h.ConsistentRead(ctx, key)
	})
}

func (c *Client) read(ctx context.Context, key string, do func(*shardhandle.Handle) (string, error)) (string, error) {
	c.maybeRefresh(ctx)
	ring, handles := c.ringSnapshot()
	if ring == nil || ring.IsEmpty() {
		return "", apperrors.UnknownShard("")
	}

	primary, err := ring.Get(key)
	if err != nil {
		return "", apperrors.UnknownShard("")
	}
	h, ok := handles[primary]
	if !ok {
		return "", apperrors.UnknownShard(primary)
	}

	var value string
	err = withRetry(ctx, func() error {
		v, rerr := do(h)
		if rerr == nil {
			value = v
		}
		return rerr
	})
	if err == nil {
		return value, nil
	}
	c.noteError()

	plan := failover.PlanFor(ring, primary)
	for _, addr := range plan.Fallbacks {
		fh, ok := handles[addr]
		if !ok {
			fh = shardhandle.New(addr, c.httpClient)
		}
		if v, err := do(fh); err == nil {
			return v, nil
		}
	}
	return "", apperrors.AllReplicasUnreachable(primary)
}

// Ring returns a clone of the client's current ring cache, e.g. for
// kvctl's `ring` subcommand.
func (c *Client) Ring() *carp.Ring {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ring == nil {
		return nil
	}
	return c.ring.Clone()
}

// Refresh forces an immediate ring refetch, bypassing the TTL/error
// threshold check.
func (c *Client) Refresh(ctx context.Context) error {
	return c.bootstrapRing(ctx)
}
