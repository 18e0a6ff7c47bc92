package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"blockraft/internal/httpapi"
	"blockraft/internal/raft/metrics"
	"blockraft/internal/raft/server"
)

// member is one node of the local cluster together with everything serving it
type member struct {
	node      *server.Node
	rpc       *server.Server
	http      *http.Server
	transport *server.GRPCTransport
	metrics   *metrics.Metrics
	listener  net.Listener
}

func main() {
	clusterSize := flag.Int("nodes", 3, "Number of nodes in the cluster")
	basePort := flag.Int("port", 50051, "Peer RPC port of the first node")
	baseHTTPPort := flag.Int("http-port", 8080, "HTTP gateway port of the first node")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "blockraft-local",
		Level: hclog.LevelFromString(*logLevel),
	})

	// Reserve addresses for the cluster
	directory := reserveAddresses(*clusterSize, *basePort)

	members, err := createCluster(directory, *baseHTTPPort, logger)
	if err != nil {
		logger.Error("failed to create cluster", "error", err)
		os.Exit(1)
	}

	// The event log runs for as long as the cluster does
	watchCtx, stopWatching := context.WithCancel(context.Background())
	var watchers []<-chan struct{}
	for _, m := range members {
		watchers = append(watchers, watchEvents(watchCtx, m.node, logger))
	}

	bootCluster(members, logger)

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Block the thread until an interrupt signal is received.
	<-signalCtx.Done()

	logger.Info("shutting down gracefully, press Ctrl+C again to force")
	stop() // a second Ctrl+C now kills the process through the OS

	shutdownCluster(members, logger)
	stopWatching()
	for _, done := range watchers {
		<-done
	}

	for _, m := range members {
		report := m.metrics.GetReport(string(m.node.ID()))
		report.PrintReport(os.Stdout)
	}
	logger.Info("cluster exiting")
}

func reserveAddresses(clusterSize int, basePort int) map[server.NodeID]server.NodeAddress {
	directory := make(map[server.NodeID]server.NodeAddress, clusterSize)
	for i := 0; i < clusterSize; i++ {
		id := server.NodeID(fmt.Sprintf("node-%d", i+1))
		directory[id] = server.NodeAddress(fmt.Sprintf("localhost:%d", basePort+i))
	}
	return directory
}

// createCluster builds every node with its own pubsub, transport and metrics, and binds its listeners. Nothing runs
// yet.
func createCluster(directory map[server.NodeID]server.NodeAddress, baseHTTPPort int, logger hclog.Logger) ([]*member, error) {
	var members []*member
	for i := 0; i < len(directory); i++ {
		id := server.NodeID(fmt.Sprintf("node-%d", i+1))
		nodeLogger := logger.Named(string(id))

		collector := metrics.NewMetrics()
		cfg := server.DefaultConfig()
		cfg.ID = id
		cfg.Address = directory[id]
		cfg.Peers = directory
		cfg.Logger = nodeLogger
		cfg.Metrics = collector

		transport := server.NewGRPCTransport(id, directory, nodeLogger)
		node, err := server.NewNode(cfg, transport, nil)
		if err != nil {
			return nil, err
		}

		lis, err := net.Listen("tcp", string(directory[id]))
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}

		members = append(members, &member{
			node:      node,
			rpc:       server.NewServer(node),
			transport: transport,
			metrics:   collector,
			listener:  lis,
			http: &http.Server{
				Addr:              fmt.Sprintf("localhost:%d", baseHTTPPort+i),
				Handler:           httpapi.New(node, collector, nodeLogger).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			},
		})
	}
	return members, nil
}

func bootCluster(members []*member, logger hclog.Logger) {
	// Start ALL servers first so the nodes can reach each other once their timers run
	for _, m := range members {
		go func(m *member) {
			if err := m.rpc.Serve(m.listener); err != nil {
				logger.Error("peer RPC server failed", "id", m.node.ID(), "error", err)
			}
		}(m)
		go func(m *member) {
			if err := m.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP gateway failed", "id", m.node.ID(), "error", err)
			}
		}(m)
		logger.Info("node listening", "id", m.node.ID(), "rpc", m.listener.Addr().String(), "http", m.http.Addr)
	}

	for _, m := range members {
		m.node.Start()
	}
	logger.Info("started scheduler jobs, cluster is ready", "nodes", len(members))
}

func shutdownCluster(members []*member, logger hclog.Logger) {
	// All nodes have 5 seconds to finish the requests they are currently handling
	forceShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			_ = m.http.Shutdown(forceShutdownCtx)
			m.node.Stop()
			m.rpc.GracefulShutdown()
		}(m)
	}

	// Convert the blocking WaitGroup.Wait() to a channel signal
	gracefulShutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(gracefulShutdownDone)
	}()

	// Race the shutdown completion against the timeout
	select {
	case <-gracefulShutdownDone:
		logger.Info("all nodes shut down gracefully")
	case <-forceShutdownCtx.Done():
		logger.Warn("graceful shutdown timeout reached, forcing shutdown")
		for _, m := range members {
			m.rpc.ForceShutdown()
		}
	}

	for _, m := range members {
		if err := m.transport.Close(); err != nil {
			logger.Warn("closing peer connections", "id", m.node.ID(), "error", err)
		}
	}
}
