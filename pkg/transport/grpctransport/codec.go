package grpctransport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "zephyr-json"

// jsonCodec carries transport messages without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
