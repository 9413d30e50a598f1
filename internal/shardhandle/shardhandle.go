// Package shardhandle is the stateless remote facade a KV client and
// cluster manager use to address one shard replica at a time.
// It owns no state beyond the address it's currently pointed
// at; leader-redirect handling lives here so every caller gets the
// same MAX_FOLLOW retry behavior without re-implementing it.
package shardhandle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dreamware/carpkv/internal/apperrors"
	"github.com/dreamware/carpkv/internal/carp"
	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/statemachine"
)

// MaxFollow bounds how many leader redirects a single call will
// follow before surfacing failure to the caller.
const MaxFollow = 3

// Handle addresses one shard replica over HTTP/JSON. It is cheap to
// copy: the only state is the target API address and a shared HTTP
// client.
type Handle struct {
	addr string
	http *http.Client
}

// New returns a Handle targeting addr's public API listener.
func New(addr string, client *http.Client) *Handle {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handle{addr: addr, http: client}
}

// Addr returns the address this handle currently targets.
func (h *Handle) Addr() string { return h.addr }

// WithAddr returns a new Handle pointed at addr, sharing the
// underlying HTTP client.
func (h *Handle) WithAddr(addr string) *Handle {
	return &Handle{addr: addr, http: h.http}
}

func (h *Handle) post(ctx context.Context, addr, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return apperrors.Transport(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(buf))
	if err != nil {
		return apperrors.Transport(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return apperrors.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Transport(fmt.Errorf("decoding response from %s%s: %w", addr, path, err))
		}
		return nil
	}

	var appErr apperrors.Error
	if err := json.NewDecoder(resp.Body).Decode(&appErr); err != nil {
		return apperrors.Transport(fmt.Errorf("%s%s returned status %d with unparseable body", addr, path, resp.StatusCode))
	}
	return &appErr
}

func (h *Handle) get(ctx context.Context, addr, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return apperrors.Transport(err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return apperrors.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Transport(fmt.Errorf("%s%s returned status %d", addr, path, resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Write submits req via /api/write, following up to MaxFollow leader
// redirects before surfacing failure.
func (h *Handle) Write(ctx context.Context, req statemachine.Request) (statemachine.Response, error) {
	addr := h.addr
	var lastErr error
	for hop := 0; hop <= MaxFollow; hop++ {
		var resp statemachine.Response
		err := h.post(ctx, addr, "/api/write", req, &resp)
		if err == nil {
			return resp, nil
		}
		if apperrors.Is(err, apperrors.KindNotLeader) {
			nl := err.(*apperrors.Error)
			if nl.Addr == "" {
				return statemachine.Response{}, err
			}
			addr = nl.Addr
			lastErr = err
			continue
		}
		return statemachine.Response{}, err
	}
	return statemachine.Response{}, lastErr
}

// Read performs a non-linearizable read against whichever replica this
// handle addresses.
func (h *Handle) Read(ctx context.Context, key string) (string, error) {
	var value string
	if err := h.post(ctx, h.addr, "/api/read", key, &value); err != nil {
		return "", err
	}
	return value, nil
}

// ConsistentRead performs a linearizable read, following leader
// redirects the same way Write does.
func (h *Handle) ConsistentRead(ctx context.Context, key string) (string, error) {
	addr := h.addr
	var lastErr error
	for hop := 0; hop <= MaxFollow; hop++ {
		var value string
		err := h.post(ctx, addr, "/api/consistent_read", key, &value)
		if err == nil {
			return value, nil
		}
		if apperrors.Is(err, apperrors.KindNotLeader) {
			nl := err.(*apperrors.Error)
			if nl.Addr == "" {
				return "", err
			}
			addr = nl.Addr
			lastErr = err
			continue
		}
		return "", err
	}
	return "", lastErr
}

// GetHashRing fetches the replica's current ring copy.
func (h *Handle) GetHashRing(ctx context.Context) (*carp.Ring, error) {
	var ring carp.Ring
	if err := h.post(ctx, h.addr, "/api/get_hash_ring", struct{}{}, &ring); err != nil {
		return nil, err
	}
	return &ring, nil
}

// UpdateHashRing propagates ring to the shard via the generic write
// path (it's a Request{UpdateRing:...} under the hood, so the new
// ring travels through the shard's consensus log to every replica).
func (h *Handle) UpdateHashRing(ctx context.Context, ring *carp.Ring) error {
	_, err := h.Write(ctx, statemachine.Request{UpdateRing: &statemachine.UpdateRingCommand{Ring: ring}})
	return err
}

// Init calls /cluster/init with the given single-node membership.
func (h *Handle) Init(ctx context.Context, selfID consensus.NodeID, selfAddr consensus.NodeAddr) error {
	body := struct {
		ID   uint64             `json:"id"`
		Addr consensus.NodeAddr `json:"addr"`
	}{uint64(selfID), selfAddr}
	return h.post(ctx, h.addr, "/cluster/init", body, nil)
}

// AddLearner calls /cluster/add-learner with [node_id, api_addr, rpc_addr].
func (h *Handle) AddLearner(ctx context.Context, id consensus.NodeID, addr consensus.NodeAddr) error {
	body := []interface{}{uint64(id), addr.APIAddr, addr.RPCAddr}
	return h.post(ctx, h.addr, "/cluster/add-learner", body, nil)
}

// ChangeMembership calls /cluster/change-membership with [node_ids...].
func (h *Handle) ChangeMembership(ctx context.Context, ids []consensus.NodeID) error {
	return h.post(ctx, h.addr, "/cluster/change-membership", ids, nil)
}

// Metrics fetches GET /cluster/metrics.
func (h *Handle) Metrics(ctx context.Context) (consensus.Metrics, error) {
	var m consensus.Metrics
	err := h.get(ctx, h.addr, "/cluster/metrics", &m)
	return m, err
}
