package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and latency samples for a single node. It satisfies server.MetricsCollector.
type Metrics struct {
	mu sync.RWMutex

	// Time from a client append reaching the node to the block being appended on the leader
	appendLatencies *window

	// Outbound RPC counters
	heartbeatCount      atomic.Uint64
	requestVoteCount    atomic.Uint64
	replicateEntryCount atomic.Uint64
	peerUnreachable     atomic.Uint64

	// Replication outcomes reported by followers, keyed by rejection reason
	replicateFailures map[string]uint64

	blocksAppended atomic.Uint64
	startTime      time.Time

	electionCount    atomic.Uint64
	electionsWon     atomic.Uint64
	electionDuration *window
	electionMu       sync.Mutex
}

// Latency statistics are computed over the most recent samples only, so a long-running node keeps a bounded
// amount of memory.
const (
	MaxAppendSamples   = 4096
	MaxElectionSamples = 256
)

// window keeps the last cap(samples) durations, overwriting the oldest once full.
type window struct {
	samples []time.Duration
	next    int
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, 0, size)}
}

func (w *window) add(d time.Duration) {
	if len(w.samples) < cap(w.samples) {
		w.samples = append(w.samples, d)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
}

// snapshot returns a copy of the retained samples, oldest first.
func (w *window) snapshot() []time.Duration {
	out := make([]time.Duration, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	return append(out, w.samples[:w.next]...)
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		appendLatencies:   newWindow(MaxAppendSamples),
		replicateFailures: make(map[string]uint64),
		electionDuration:  newWindow(MaxElectionSamples),
		startTime:         time.Now(),
	}
}

func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

func (m *Metrics) RecordReplicateEntry() {
	m.replicateEntryCount.Add(1)
}

// RecordReplicateFailure counts a follower rejecting a replicated block
func (m *Metrics) RecordReplicateFailure(reason string) {
	m.mu.Lock()
	m.replicateFailures[reason]++
	m.mu.Unlock()
}

// RecordPeerUnreachable counts an outbound RPC that failed at the transport level
func (m *Metrics) RecordPeerUnreachable() {
	m.peerUnreachable.Add(1)
}

func (m *Metrics) RecordBlockAppended() {
	m.blocksAppended.Add(1)
}

// RecordAppendLatency records how long a client append took to land on the leader's chain
func (m *Metrics) RecordAppendLatency(latency time.Duration) {
	m.mu.Lock()
	m.appendLatencies.add(latency)
	m.mu.Unlock()
}

// RecordElection counts an election started by this node
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionWon records an election this node won and how long it took from candidacy to leadership
func (m *Metrics) RecordElectionWon(duration time.Duration) {
	m.electionsWon.Add(1)
	m.electionMu.Lock()
	m.electionDuration.add(duration)
	m.electionMu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

func (m *Metrics) GetAppendLatencyStats() LatencyStats {
	m.mu.RLock()
	samples := m.appendLatencies.snapshot()
	m.mu.RUnlock()
	return computeStats(samples)
}

func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	samples := m.electionDuration.snapshot()
	m.electionMu.Unlock()
	return computeStats(samples)
}

func computeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	ms := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point-in-time snapshot of every metric.
type Report struct {
	NodeID    string    `json:"node_id"`
	Uptime    float64   `json:"uptime_seconds"`
	StartTime time.Time `json:"start_time"`
	Generated time.Time `json:"generated_at"`

	BlocksAppended uint64       `json:"blocks_appended"`
	AppendLatency  LatencyStats `json:"append_latency"`

	HeartbeatCount      uint64            `json:"heartbeat_count"`
	RequestVoteCount    uint64            `json:"request_vote_count"`
	ReplicateEntryCount uint64            `json:"replicate_entry_count"`
	ReplicateFailures   map[string]uint64 `json:"replicate_failures"`
	PeerUnreachable     uint64            `json:"peer_unreachable"`

	ElectionCount uint64       `json:"election_count"`
	ElectionsWon  uint64       `json:"elections_won"`
	ElectionStats LatencyStats `json:"election_stats"`
}

// GetReport snapshots the collected metrics
func (m *Metrics) GetReport(nodeID string) Report {
	now := time.Now()

	m.mu.RLock()
	failures := make(map[string]uint64, len(m.replicateFailures))
	for reason, n := range m.replicateFailures {
		failures[reason] = n
	}
	start := m.startTime
	m.mu.RUnlock()

	return Report{
		NodeID:              nodeID,
		Uptime:              now.Sub(start).Seconds(),
		StartTime:           start,
		Generated:           now,
		BlocksAppended:      m.blocksAppended.Load(),
		AppendLatency:       m.GetAppendLatencyStats(),
		HeartbeatCount:      m.heartbeatCount.Load(),
		RequestVoteCount:    m.requestVoteCount.Load(),
		ReplicateEntryCount: m.replicateEntryCount.Load(),
		ReplicateFailures:   failures,
		PeerUnreachable:     m.peerUnreachable.Load(),
		ElectionCount:       m.electionCount.Load(),
		ElectionsWon:        m.electionsWon.Load(),
		ElectionStats:       m.GetElectionStats(),
	}
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "BLOCKRAFT NODE REPORT (%s)\n", r.NodeID)
	fmt.Fprintf(w, "  Uptime: %.2f s\n", r.Uptime)

	fmt.Fprintf(w, "\nChain:\n")
	fmt.Fprintf(w, "  Blocks appended: %d\n", r.BlocksAppended)
	if r.AppendLatency.Count > 0 {
		fmt.Fprintf(w, "  Append latency: mean %.3f ms, p50 %.3f ms, p99 %.3f ms\n",
			r.AppendLatency.Mean, r.AppendLatency.P50, r.AppendLatency.P99)
	}

	fmt.Fprintf(w, "\nRPCs sent:\n")
	fmt.Fprintf(w, "  Heartbeat: %d\n", r.HeartbeatCount)
	fmt.Fprintf(w, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(w, "  ReplicateEntry: %d\n", r.ReplicateEntryCount)
	fmt.Fprintf(w, "  Unreachable: %d\n", r.PeerUnreachable)

	reasons := make([]string, 0, len(r.ReplicateFailures))
	for reason := range r.ReplicateFailures {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(w, "  Rejected (%s): %d\n", reason, r.ReplicateFailures[reason])
	}

	fmt.Fprintf(w, "\nElections:\n")
	fmt.Fprintf(w, "  Started: %d, won: %d\n", r.ElectionCount, r.ElectionsWon)
	if r.ElectionStats.Count > 0 {
		fmt.Fprintf(w, "  Duration: mean %.3f ms, p95 %.3f ms\n", r.ElectionStats.Mean, r.ElectionStats.P95)
	}
}

// SaveJSON writes the report to filename
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.appendLatencies = newWindow(MaxAppendSamples)
	m.replicateFailures = make(map[string]uint64)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.electionMu.Lock()
	m.electionDuration = newWindow(MaxElectionSamples)
	m.electionMu.Unlock()

	m.heartbeatCount.Store(0)
	m.requestVoteCount.Store(0)
	m.replicateEntryCount.Store(0)
	m.peerUnreachable.Store(0)
	m.blocksAppended.Store(0)
	m.electionCount.Store(0)
	m.electionsWon.Store(0)
}
