package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                  sync.RWMutex
	HeartbeatCount      int
	RequestVoteCount    int
	ReplicateEntryCount int
	ReplicateFailures   map[string]int
	PeerUnreachable     int
	BlocksAppended      int
	AppendLatencies     []time.Duration
	ElectionCount       int
	ElectionDurations   []time.Duration
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		ReplicateFailures: make(map[string]int),
		AppendLatencies:   make([]time.Duration, 0),
		ElectionDurations: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordReplicateEntry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplicateEntryCount++
}

func (m *MockMetricsCollector) RecordReplicateFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplicateFailures[reason]++
}

func (m *MockMetricsCollector) RecordPeerUnreachable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PeerUnreachable++
}

func (m *MockMetricsCollector) RecordBlockAppended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BlocksAppended++
}

func (m *MockMetricsCollector) RecordAppendLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendLatencies = append(m.AppendLatencies, latency)
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionWon(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

// MetricsSnapshot is a copy of the recorded values
type MetricsSnapshot struct {
	HeartbeatCount      int
	RequestVoteCount    int
	ReplicateEntryCount int
	ReplicateFailures   map[string]int
	PeerUnreachable     int
	BlocksAppended      int
	AppendLatencies     []time.Duration
	ElectionCount       int
	ElectionDurations   []time.Duration
}

// Snapshot returns a copy that is safe to inspect while the node keeps recording
func (m *MockMetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failures := make(map[string]int, len(m.ReplicateFailures))
	for reason, n := range m.ReplicateFailures {
		failures[reason] = n
	}
	return MetricsSnapshot{
		HeartbeatCount:      m.HeartbeatCount,
		RequestVoteCount:    m.RequestVoteCount,
		ReplicateEntryCount: m.ReplicateEntryCount,
		ReplicateFailures:   failures,
		PeerUnreachable:     m.PeerUnreachable,
		BlocksAppended:      m.BlocksAppended,
		AppendLatencies:     append([]time.Duration(nil), m.AppendLatencies...),
		ElectionCount:       m.ElectionCount,
		ElectionDurations:   append([]time.Duration(nil), m.ElectionDurations...),
	}
}
