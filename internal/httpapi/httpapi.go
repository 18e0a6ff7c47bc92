// Package httpapi is the client-facing HTTP gateway of a node. Clients append data and read the chain through it,
// operators read status and metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"blockraft/internal/chain"
	"blockraft/internal/raft/metrics"
	"blockraft/internal/raft/server"
	"blockraft/internal/raft/wire"
)

// Node is the part of a consensus node the gateway serves.
type Node interface {
	ID() server.NodeID
	ClientAppend(ctx context.Context, data []byte) (*wire.ClientAppendResponse, error)
	ReadLog() []*chain.Block
	Block(index uint64) (*chain.Block, bool)
	Status() server.Status
}

// Reporter produces a metrics report for a node.
type Reporter interface {
	GetReport(nodeID string) metrics.Report
}

// Server serves the HTTP API backed by a Node.
type Server struct {
	node    Node
	metrics Reporter
	logger  hclog.Logger
}

// New creates a new HTTP API server. reporter may be nil, in which case /metrics answers 404.
func New(node Node, reporter Reporter, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{node: node, metrics: reporter, logger: logger.Named("http")}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// shared middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(middleware.SetHeader("Access-Control-Allow-Origin", "*"))

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/metrics", s.Metrics)
	r.Get("/blocks", s.Blocks)
	r.Get("/blocks/{index}", s.Block)
	r.Post("/appendBlockToNode", s.AppendBlock)
	return r
}

// logRequests logs every request through hclog once the response is written
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr)
		}()
		next.ServeHTTP(ww, r)
	})
}
