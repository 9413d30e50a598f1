// Command clustermanager boots the dev-mode fleet described by a
// config file and keeps it running until signaled to shut down.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/carpkv/internal/clustermanager"
	"github.com/dreamware/carpkv/internal/config"
	"github.com/dreamware/carpkv/internal/logging"
	"github.com/dreamware/carpkv/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "carpkv.conf", "fleet shape config file")
		discoveryPath = flag.String("discovery", "addresses.json", "address matrix output path")
		host          = flag.String("host", "127.0.0.1", "host to bind replica listeners to")
	)
	flag.Parse()

	logger := logging.New("clustermanager")
	defer logging.Sync(logger)

	fleet, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load fleet config", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	mgr, err := clustermanager.Bootstrap(ctx, fleet, *host, *discoveryPath, metrics, logger)
	if err != nil {
		logger.Error("fleet bootstrap failed", zap.Error(err))
		return 1
	}

	logger.Info("fleet ready",
		zap.Int("num_clusters", fleet.NumClusters),
		zap.Int("nodes_per_cluster", fleet.NodesPerCluster),
		zap.String("discovery_file", *discoveryPath),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	mgr.Shutdown(context.Background())
	if sig == os.Interrupt {
		return 130
	}
	return 0
}
