package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content-subtype selecting the raw JSON-RPC codec.
const CodecName = "jsonrpc"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Frame carries one encoded JSON-RPC envelope.
type Frame struct {
	Data []byte
}

// Codec passes Frames through untouched so that envelopes travel as plain
// JSON. Protobuf messages are rendered with protojson.
type Codec struct{}

func (Codec) Name() string {
	return CodecName
}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return m.Data, nil
	case proto.Message:
		return protojson.Marshal(m)
	default:
		return nil, fmt.Errorf("jsonrpc codec: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *Frame:
		m.Data = append(m.Data[:0], data...)
		return nil
	case proto.Message:
		return protojson.Unmarshal(data, m)
	default:
		return fmt.Errorf("jsonrpc codec: cannot unmarshal into %T", v)
	}
}
