package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"blockraft/internal/httpapi"
	"blockraft/internal/raft/metrics"
	"blockraft/internal/raft/server"
)

func main() {
	defaults := server.DefaultConfig()

	// Command line flags
	id := flag.String("id", "", "Node ID (generated when empty, single-node use only)")
	addr := flag.String("addr", "localhost:50051", "Address the peer RPC server listens on")
	httpAddr := flag.String("http", "localhost:8080", "Address the client HTTP gateway listens on, empty to disable")
	peers := flag.String("peers", "", "Comma-separated peer directory, id=host:port, including this node")
	heartbeat := flag.Duration("heartbeat", defaults.HeartbeatInterval, "Heartbeat and timeout check interval")
	electionMin := flag.Duration("election-min", defaults.ElectionTimeoutMin, "Minimum election timeout")
	electionMax := flag.Duration("election-max", defaults.ElectionTimeoutMax, "Maximum election timeout")
	rpcTimeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Deadline for a single peer RPC")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	metricsFile := flag.String("metrics-out", "", "Write the metrics report as JSON to this file on shutdown")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "blockraft",
		Level: hclog.LevelFromString(*logLevel),
	})

	directory, err := server.ParsePeers(*peers)
	if err != nil {
		logger.Error("invalid peer directory", "error", err)
		os.Exit(2)
	}
	nodeID := server.NodeID(*id)
	if nodeID == "" {
		if len(directory) > 0 {
			logger.Error("-id is required when a peer directory is given")
			os.Exit(2)
		}
		nodeID = server.NodeID(uuid.NewString())
		logger.Info("generated node id", "id", nodeID)
	}
	if len(directory) == 0 {
		directory = map[server.NodeID]server.NodeAddress{nodeID: server.NodeAddress(*addr)}
	}

	collector := metrics.NewMetrics()
	cfg := defaults
	cfg.ID = nodeID
	cfg.Address = server.NodeAddress(*addr)
	cfg.Peers = directory
	cfg.HeartbeatInterval = *heartbeat
	cfg.ElectionTimeoutMin = *electionMin
	cfg.ElectionTimeoutMax = *electionMax
	cfg.RPCTimeout = *rpcTimeout
	cfg.Logger = logger
	cfg.Metrics = collector
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	transport := server.NewGRPCTransport(nodeID, directory, logger)
	node, err := server.NewNode(cfg, transport, nil)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	rpcServer := server.NewServer(node)
	go func() {
		if err := rpcServer.Serve(lis); err != nil {
			logger.Error("peer RPC server stopped", "error", err)
		}
	}()
	logger.Info("peer RPC server listening", "addr", lis.Addr().String(), "cluster_size", cfg.ClusterSize())

	var httpServer *http.Server
	if *httpAddr != "" {
		httpServer = &http.Server{
			Addr:              *httpAddr,
			Handler:           httpapi.New(node, collector, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP gateway stopped", "error", err)
			}
		}()
		logger.Info("HTTP gateway listening", "addr", *httpAddr)
	}

	node.Start()

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	logger.Info("shutting down gracefully, press Ctrl+C again to force")
	stop()

	// Every component gets 5 seconds to finish what it is doing
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP gateway did not shut down cleanly", "error", err)
		}
	}
	node.Stop()

	done := make(chan struct{})
	go func() {
		rpcServer.GracefulShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("graceful shutdown timeout reached, forcing shutdown")
		rpcServer.ForceShutdown()
	}
	if err := transport.Close(); err != nil {
		logger.Warn("closing peer connections", "error", err)
	}

	report := collector.GetReport(string(nodeID))
	report.PrintReport(os.Stdout)
	if *metricsFile != "" {
		if err := report.SaveJSON(*metricsFile); err != nil {
			logger.Error("failed to save metrics", "file", *metricsFile, "error", err)
		}
	}
	logger.Info("node exiting")
}
