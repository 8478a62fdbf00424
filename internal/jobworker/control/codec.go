package control

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec, encoding every control-surface
// message as JSON. It registers under the name "proto" so grpc's transport
// (which hardcodes that content-subtype when none is negotiated) picks it
// up without a protoc-generated marshaler; see SPEC_FULL.md's domain-stack
// notes on why the wire codec, not the transport, is what changed here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "proto" }
