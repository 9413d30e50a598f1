// Command shardnode runs a single shard replica as its own OS
// process: the out-of-process counterpart to the cluster manager's
// in-process dev-mode bootstrap.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/carpkv/internal/consensus"
	"github.com/dreamware/carpkv/internal/logging"
	"github.com/dreamware/carpkv/internal/shardserver"
	"github.com/dreamware/carpkv/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		shard     = flag.String("shard", "", "shard name, e.g. shard-0")
		replicaID = flag.Uint64("id", 0, "this replica's node id within the shard")
		apiAddr   = flag.String("api-addr", "", "address to bind the public API listener to")
		rpcAddr   = flag.String("rpc-addr", "", "address to bind the consensus RPC listener to")
		metricsOn = flag.Bool("metrics", true, "register Prometheus collectors")
	)
	flag.Parse()

	logger := logging.New("shardnode", zap.String("shard", *shard), zap.Uint64("node_id", *replicaID))
	defer logging.Sync(logger)

	if *shard == "" || *replicaID == 0 || *apiAddr == "" || *rpcAddr == "" {
		logger.Error("missing required flags: -shard, -id, -api-addr, -rpc-addr")
		return 1
	}

	apiLn, err := net.Listen("tcp", *apiAddr)
	if err != nil {
		logger.Error("failed to bind API listener", zap.Error(err))
		return 1
	}
	rpcLn, err := net.Listen("tcp", *rpcAddr)
	if err != nil {
		logger.Error("failed to bind RPC listener", zap.Error(err))
		return 1
	}

	var metrics *telemetry.Metrics
	if *metricsOn {
		metrics = telemetry.New(prometheus.DefaultRegisterer)
	}

	srv := shardserver.New(
		consensus.NodeID(*replicaID),
		consensus.NodeAddr{APIAddr: apiLn.Addr().String(), RPCAddr: rpcLn.Addr().String()},
		*shard, metrics, logger,
	)

	apiHTTP := &http.Server{Handler: srv.APIRouter()}
	rpcHTTP := &http.Server{Handler: srv.RPCRouter()}

	errCh := make(chan error, 2)
	go func() { errCh <- apiHTTP.Serve(apiLn) }()
	go func() { errCh <- rpcHTTP.Serve(rpcLn) }()

	logger.Info("shard replica listening", zap.String("api_addr", apiLn.Addr().String()), zap.String("rpc_addr", rpcLn.Addr().String()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, apiHTTP)
		_ = rpcHTTP.Shutdown(ctx)
		if sig == os.Interrupt {
			return 130
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("listener failed", zap.Error(err))
			return 1
		}
		return 0
	}
}
