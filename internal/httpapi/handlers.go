package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"blockraft/internal/chain"
	"blockraft/internal/raft/server"
)

// blockView is the JSON shape of a block. Data is rendered as text, the way clients submit it.
type blockView struct {
	Index        uint64 `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	ProposerID   string `json:"proposer_id"`
	Term         uint64 `json:"term"`
	Data         string `json:"data"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

func viewOf(b *chain.Block) blockView {
	return blockView{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		ProposerID:   b.ProposerID,
		Term:         b.Term,
		Data:         string(b.Data),
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
	}
}

type appendRequest struct {
	Data *string `json:"data"`
}

type appendResponse struct {
	Status string `json:"status"`
	Index  uint64 `json:"index,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics_disabled", "metrics are not collected on this node")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.GetReport(string(s.node.ID())))
}

func (s *Server) Blocks(w http.ResponseWriter, r *http.Request) {
	blocks := s.node.ReadLog()
	views := make([]blockView, len(blocks))
	for i, b := range blocks {
		views[i] = viewOf(b)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) Block(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "index must be a non-negative integer")
		return
	}
	b, ok := s.node.Block(index)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no block at index "+strconv.FormatUint(index, 10))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(b))
}

// AppendBlock hands the data to the node. A leader appends it, a follower forwards it to the leader it knows.
func (s *Server) AppendBlock(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "data is required")
		return
	}

	resp, err := s.node.ClientAppend(r.Context(), []byte(*req.Data))
	switch {
	case errors.Is(err, server.ErrNotLeader):
		writeError(w, http.StatusConflict, "not_leader", err.Error())
		return
	case errors.Is(err, server.ErrPeerUnreachable):
		writeError(w, http.StatusBadGateway, "leader_unreachable", err.Error())
		return
	case err != nil:
		s.logger.Error("client append failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if resp.Status == server.StatusNoLeader {
		writeJSON(w, http.StatusServiceUnavailable, appendResponse{Status: resp.Status})
		return
	}
	writeJSON(w, http.StatusOK, appendResponse{Status: resp.Status, Index: resp.Index})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
