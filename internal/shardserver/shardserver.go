// Package shardserver hosts one replica's consensus engine and state
// machine behind the public API and cluster-admin HTTP surface.
// It owns the process-wide wiring (listeners, logger,
// metrics) that the rest of the code takes as explicit collaborators.
package shardserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dreamware/carpkv/internal/apperrors"
	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/consensus/leaderlog"
	"github.com/dreamware/carpkv/internal/statemachine"
	"github.com/dreamware/carpkv/internal/telemetry"
)

// Server is the per-replica application state: node identity,
// addresses, the consensus handle, and the state machine it drives.
type Server struct {
	ID      consensus.NodeID
	Addr    consensus.NodeAddr
	Shard   string
	Engine  *leaderlog.Engine
	SM      *statemachine.StateMachine
	Metrics *telemetry.Metrics
	log     *zap.Logger
}

// New wires a fresh state machine and consensus engine for one
// replica. The returned Server is not yet a cluster member; call
// Init/AddLearner/ChangeMembership (directly or over HTTP) to bring it
// into a shard's membership.
func New(id consensus.NodeID, addr consensus.NodeAddr, shard string, metrics *telemetry.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := statemachine.New()
	engine := leaderlog.New(id, addr, sm, leaderlog.DefaultConfig(), shard, metrics, logger)
	return &Server{
		ID:      id,
		Addr:    addr,
		Shard:   shard,
		Engine:  engine,
		SM:      sm,
		Metrics: metrics,
		log:     logger,
	}
}

// Close releases the consensus engine's background goroutines.
func (s *Server) Close() {
	s.Engine.Close()
}

// APIRouter builds the public API router: /api/{write,read,consistent_read,get_hash_ring}
// plus the cluster-admin routes /cluster/{init,add-learner,change-membership,metrics}.
func (s *Server) APIRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.HandleFunc("/api/write", s.handleWrite).Methods(http.MethodPost)
	r.HandleFunc("/api/read", s.handleRead).Methods(http.MethodPost)
	r.HandleFunc("/api/consistent_read", s.handleConsistentRead).Methods(http.MethodPost)
	r.HandleFunc("/api/get_hash_ring", s.handleGetHashRing).Methods(http.MethodPost)
	r.HandleFunc("/cluster/init", s.handleInit).Methods(http.MethodPost)
	r.HandleFunc("/cluster/add-learner", s.handleAddLearner).Methods(http.MethodPost)
	r.HandleFunc("/cluster/change-membership", s.handleChangeMembership).Methods(http.MethodPost)
	r.HandleFunc("/cluster/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

// RPCRouter builds the inter-replica consensus RPC router, bound to a
// separate listener/port from APIRouter.
func (s *Server) RPCRouter() *mux.Router {
	r := mux.NewRouter()
	s.Engine.RegisterHandlers(r)
	return r
}

// requestLogger tags every public API call with a fresh request id and
// logs its path, shard and elapsed time at info level, the way a production handler
// chain gives an operator something to grep for a specific call.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.New().String()
		next.ServeHTTP(w, r)
		s.log.Info("request handled",
			zap.String("request_id", reqID),
			zap.String("path", r.URL.Path),
			zap.String("shard", s.Shard),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperrors.Error)
	if !ok {
		appErr = apperrors.Transport(err)
	}
	status := http.StatusInternalServerError
	if appErr.Kind == apperrors.KindNotLeader {
		status = http.StatusMisdirectedRequest
	}
	writeJSON(w, status, appErr)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req statemachine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperrors.ClientWrite("malformed request body"))
		return
	}
	resp, err := s.Engine.ClientWrite(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.SetKeys(s.Shard, s.SM.Len())
		if req.UpdateRing != nil {
			s.Metrics.SetRingConfigID(s.Shard, req.UpdateRing.Ring.ConfigID)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var key string
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeAppError(w, apperrors.Transport(err))
		return
	}
	value, _ := s.SM.Get(key)
	if s.Metrics != nil {
		s.Metrics.IncOp(s.Shard, telemetry.OpGet)
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleConsistentRead(w http.ResponseWriter, r *http.Request) {
	var key string
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeAppError(w, apperrors.Transport(err))
		return
	}
	value, err := s.Engine.LinearizableRead(r.Context(), key)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleGetHashRing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.SM.Ring())
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   uint64             `json:"id"`
		Addr consensus.NodeAddr `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.Initialize("malformed init body"))
		return
	}
	members := map[consensus.NodeID]consensus.NodeAddr{consensus.NodeID(body.ID): body.Addr}
	if err := s.Engine.Initialize(r.Context(), members); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleAddLearner(w http.ResponseWriter, r *http.Request) {
	var body [3]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.ClientWrite("malformed add-learner body"))
		return
	}
	idF, _ := body[0].(float64)
	apiAddr, _ := body[1].(string)
	rpcAddr, _ := body[2].(string)
	id := consensus.NodeID(idF)
	if err := s.Engine.AddLearner(r.Context(), id, consensus.NodeAddr{APIAddr: apiAddr, RPCAddr: rpcAddr}); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleChangeMembership(w http.ResponseWriter, r *http.Request) {
	var idsF []float64
	if err := json.NewDecoder(r.Body).Decode(&idsF); err != nil {
		writeAppError(w, apperrors.ClientWrite("malformed change-membership body"))
		return
	}
	ids := make([]consensus.NodeID, len(idsF))
	for i, v := range idsF {
		ids[i] = consensus.NodeID(v)
	}
	if err := s.Engine.ChangeMembership(r.Context(), ids); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Metrics())
}

// Shutdown drains in-flight requests on httpServer cooperatively
// before releasing the consensus engine.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) error {
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.Close()
	return nil
}
