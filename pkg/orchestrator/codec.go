package orchestrator

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is the gRPC content-subtype this package registers. No
// .proto-generated types exist for this exchange (generating them would
// require running entc/protoc, which this build cannot do), so every
// message this client sends or receives is already-encoded JSON wrapped
// in a rawMessage and passed through untouched by gRPC's own framing.
const rawCodecName = "raw-json"

// rawMessage is the only type the raw codec knows how to (un)marshal:
// an opaque, already-serialized payload.
type rawMessage struct {
	Data []byte
}

type rawCodec struct{}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("orchestrator: raw codec cannot marshal %T", v)
	}
	return m.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("orchestrator: raw codec cannot unmarshal into %T", v)
	}
	m.Data = append([]byte(nil), data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
