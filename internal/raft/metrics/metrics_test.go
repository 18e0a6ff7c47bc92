package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.appendLatencies)
	assert.NotNil(t, m.replicateFailures)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordHeartbeat()
	m.RecordHeartbeat()
	m.RecordRequestVote()
	m.RecordReplicateEntry()
	m.RecordReplicateEntry()
	m.RecordReplicateEntry()
	m.RecordPeerUnreachable()
	m.RecordBlockAppended()
	m.RecordElection()

	assert.Equal(t, uint64(2), m.heartbeatCount.Load())
	assert.Equal(t, uint64(1), m.requestVoteCount.Load())
	assert.Equal(t, uint64(3), m.replicateEntryCount.Load())
	assert.Equal(t, uint64(1), m.peerUnreachable.Load())
	assert.Equal(t, uint64(1), m.blocksAppended.Load())
	assert.Equal(t, uint64(1), m.electionCount.Load())
}

func TestMetrics_RecordReplicateFailure(t *testing.T) {
	m := NewMetrics()

	m.RecordReplicateFailure("Mismatch")
	m.RecordReplicateFailure("Mismatch")
	m.RecordReplicateFailure("Conflict")

	report := m.GetReport("node-1")
	assert.Equal(t, uint64(2), report.ReplicateFailures["Mismatch"])
	assert.Equal(t, uint64(1), report.ReplicateFailures["Conflict"])
}

func TestMetrics_ElectionStats(t *testing.T) {
	m := NewMetrics()

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, LatencyStats{}, m.GetElectionStats())
	})

	t.Run("computes percentiles", func(t *testing.T) {
		m.RecordElectionWon(100 * time.Millisecond)
		m.RecordElectionWon(200 * time.Millisecond)
		m.RecordElectionWon(300 * time.Millisecond)

		stats := m.GetElectionStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 100.0, stats.Min, 0.001)
		assert.InDelta(t, 300.0, stats.Max, 0.001)
		assert.InDelta(t, 200.0, stats.Mean, 0.001)
		assert.InDelta(t, 200.0, stats.P50, 0.001)
		assert.Equal(t, uint64(3), m.electionsWon.Load())
	})
}

func TestPercentile(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5}

	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 1.0, percentile(data, 0))
	assert.Equal(t, 3.0, percentile(data, 50))
	assert.Equal(t, 5.0, percentile(data, 100))
	assert.InDelta(t, 4.8, percentile(data, 95), 0.0001)
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordAppendLatency(time.Millisecond)
			m.RecordReplicateFailure("Mismatch")
			m.RecordHeartbeat()
		}()
	}
	wg.Wait()

	report := m.GetReport("node-1")
	assert.Equal(t, 50, report.AppendLatency.Count)
	assert.Equal(t, uint64(50), report.ReplicateFailures["Mismatch"])
	assert.Equal(t, uint64(50), report.HeartbeatCount)
}

func TestReport_PrintAndSave(t *testing.T) {
	m := NewMetrics()
	m.RecordBlockAppended()
	m.RecordAppendLatency(5 * time.Millisecond)
	m.RecordReplicateFailure("Conflict")
	report := m.GetReport("node-1")

	var buf bytes.Buffer
	report.PrintReport(&buf)
	assert.Contains(t, buf.String(), "node-1")
	assert.Contains(t, buf.String(), "Rejected (Conflict): 1")

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint64(1), decoded.BlocksAppended)
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.RecordHeartbeat()
	m.RecordElectionWon(time.Second)
	m.RecordReplicateFailure("Mismatch")

	m.Reset()

	report := m.GetReport("node-1")
	assert.Zero(t, report.HeartbeatCount)
	assert.Zero(t, report.ElectionsWon)
	assert.Empty(t, report.ReplicateFailures)
	assert.Zero(t, report.ElectionStats.Count)
}

func TestMetrics_SamplesAreBounded(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= MaxAppendSamples+10; i++ {
		m.RecordAppendLatency(time.Duration(i) * time.Millisecond)
	}
	for i := 1; i <= MaxElectionSamples+3; i++ {
		m.RecordElectionWon(time.Duration(i) * time.Millisecond)
	}

	appendStats := m.GetAppendLatencyStats()
	assert.Equal(t, MaxAppendSamples, appendStats.Count)
	assert.Equal(t, 11.0, appendStats.Min, "the oldest samples are overwritten")
	assert.Equal(t, float64(MaxAppendSamples+10), appendStats.Max)

	electionStats := m.GetElectionStats()
	assert.Equal(t, MaxElectionSamples, electionStats.Count)
	assert.Equal(t, 4.0, electionStats.Min)
	assert.Equal(t, uint64(MaxElectionSamples+3), m.GetReport("node-1").ElectionsWon)
}

func TestWindow_Snapshot(t *testing.T) {
	w := newWindow(3)
	assert.Empty(t, w.snapshot())

	for i := 1; i <= 5; i++ {
		w.add(time.Duration(i))
	}
	assert.Equal(t, []time.Duration{3, 4, 5}, w.snapshot())
}
