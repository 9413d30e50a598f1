package kvclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/carpkv/internal/carp"
	"github.com/dreamware/carpkv/internal/discovery"
	"github.com/dreamware/carpkv/internal/statemachine"
)

func TestClientBootstrapAndPut(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get_hash_ring":
			ring := carp.New([]carp.Entry{{Addr: srv.Listener.Addr().String(), Load: 1}}, 0)
			_ = json.NewEncoder(w).Encode(ring)
		case "/api/write":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(statemachine.Response{})
		case "/api/read":
			_ = json.NewEncoder(w).Encode("ok")
		}
	}))
	t.Cleanup(srv.Close)

	matrix := discovery.Matrix{{srv.Listener.Addr().String()}}
	c, err := New(context.Background(), matrix, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(context.Background(), "key", "value"))

	v, err := c.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestClientFallsBackOnPrimaryFailure(t *testing.T) {
	var good *httptest.Server
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)
	good = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get_hash_ring":
			ring := carp.New([]carp.Entry{{Addr: bad.Listener.Addr().String(), Load: 1}}, 0)
			ring.SetFallback(bad.Listener.Addr().String(), good.Listener.Addr().String())
			_ = json.NewEncoder(w).Encode(ring)
		case "/api/write":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(statemachine.Response{})
		}
	}))
	t.Cleanup(good.Close)

	matrix := discovery.Matrix{{bad.Listener.Addr().String(), good.Listener.Addr().String()}}
	c, err := New(context.Background(), matrix, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(context.Background(), "key", "value"))

	// A successful fallback must be recorded in the client's cached ring.
	ring := c.Ring()
	assert.Contains(t, ring.Fallbacks(bad.Listener.Addr().String()), good.Listener.Addr().String())
}

func TestClientSurfacesAllReplicasUnreachable(t *testing.T) {
	var bad *httptest.Server
	bad = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/get_hash_ring" {
			ring := carp.New([]carp.Entry{{Addr: bad.Listener.Addr().String(), Load: 1}}, 0)
			_ = json.NewEncoder(w).Encode(ring)
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)

	matrix := discovery.Matrix{{bad.Listener.Addr().String()}}
	c, err := New(context.Background(), matrix, nil, nil)
	require.NoError(t, err)

	err = c.Put(context.Background(), "key", "value")
	assert.Error(t, err)
}
