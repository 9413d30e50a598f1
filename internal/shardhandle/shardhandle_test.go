package shardhandle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/carpkv/internal/apperrors"
	"github.com/dreamware/carpkv/internal/statemachine"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

func TestWriteSucceedsOnFirstReplica(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(statemachine.Response{PreviousValue: "old"})
	})

	h := New(addrOf(srv), nil)
	resp, err := h.Write(context.Background(), statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.NoError(t, err)
	assert.Equal(t, "old", resp.PreviousValue)
}

func TestWriteFollowsLeaderRedirect(t *testing.T) {
	leader := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(statemachine.Response{})
	})
	var follower *httptest.Server
	follower = newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMisdirectedRequest)
		_ = json.NewEncoder(w).Encode(apperrors.NotLeader(addrOf(leader)))
	})

	h := New(addrOf(follower), nil)
	_, err := h.Write(context.Background(), statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.NoError(t, err)
}

func TestWriteGivesUpAfterMaxFollowHops(t *testing.T) {
	var srv *httptest.Server
	srv = newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMisdirectedRequest)
		// Always redirect back to self: an infinite redirect loop must
		// still terminate at MaxFollow hops.
		_ = json.NewEncoder(w).Encode(apperrors.NotLeader(addrOf(srv)))
	})

	h := New(addrOf(srv), nil)
	_, err := h.Write(context.Background(), statemachine.Request{Set: &statemachine.SetCommand{Key: "a", Value: "1"}})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotLeader))
}

func TestReadReturnsValue(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode("value-for-key")
	})
	h := New(addrOf(srv), nil)
	v, err := h.Read(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, "value-for-key", v)
}

func TestTransportErrorOnUnreachableHost(t *testing.T) {
	h := New("127.0.0.1:0", nil)
	_, err := h.Read(context.Background(), "key")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindTransport))
}
