package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used by the Consensus service.
const CodecName = "blockraft"

// Codec is the gRPC codec for Message values.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("blockraft codec: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("blockraft codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func init() {
	encoding.RegisterCodec(Codec{})
}
