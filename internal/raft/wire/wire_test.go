package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"blockraft/internal/chain"
)

func TestCodec_ReplicateEntry(t *testing.T) {
	codec := Codec{}
	entry := chain.Genesis().Next(1700000000000, "node-1", 1, []byte("tx1"))
	req := &ReplicateEntryRequest{
		Term:               1,
		LeaderID:           "node-1",
		PreviousEntryIndex: 0,
		PreviousEntryTerm:  0,
		Entry:              entry,
	}

	data, err := codec.Marshal(req)
	require.NoError(t, err)

	var decoded ReplicateEntryRequest
	require.NoError(t, codec.Unmarshal(data, &decoded))

	assert.Equal(t, req.Term, decoded.Term)
	assert.Equal(t, req.LeaderID, decoded.LeaderID)
	require.NotNil(t, decoded.Entry)
	assert.Equal(t, entry.Hash, decoded.Entry.Hash)
	assert.NoError(t, decoded.Entry.Follows(chain.Genesis()))
}

func TestCodec_ReadLogKeepsOrder(t *testing.T) {
	log := chain.NewLog()
	log.Propose(1, "n1", 1, []byte("a"))
	log.Propose(2, "n1", 1, []byte("b"))

	data, err := Codec{}.Marshal(&ReadLogResponse{Blocks: log.Blocks()})
	require.NoError(t, err)

	var decoded ReadLogResponse
	require.NoError(t, Codec{}.Unmarshal(data, &decoded))
	require.Len(t, decoded.Blocks, 3)
	assert.NoError(t, chain.VerifyChain(decoded.Blocks))
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	data, err := (&RequestVoteRequest{CandidateID: "node-2", Term: 7}).MarshalWire()
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer peer")

	var decoded RequestVoteRequest
	require.NoError(t, decoded.UnmarshalWire(data))
	assert.Equal(t, RequestVoteRequest{CandidateID: "node-2", Term: 7}, decoded)
}

func TestCodec_RejectsForeignTypes(t *testing.T) {
	_, err := Codec{}.Marshal("not a message")
	assert.Error(t, err)

	var s string
	assert.Error(t, Codec{}.Unmarshal(nil, &s))
}

func TestCodec_RejectsTruncatedInput(t *testing.T) {
	data, err := (&HeartbeatRequest{LeaderID: "node-1", Term: 3}).MarshalWire()
	require.NoError(t, err)

	var decoded HeartbeatRequest
	assert.Error(t, decoded.UnmarshalWire(data[:3]))
}

func TestReplicateReason_String(t *testing.T) {
	assert.Equal(t, "Accepted", ReasonAccepted.String())
	assert.Equal(t, "Mismatch", ReasonMismatch.String())
	assert.Equal(t, "Conflict", ReasonConflict.String())
	assert.Equal(t, "Unknown", ReplicateReason(42).String())
}
