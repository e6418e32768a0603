package grpcwire

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of every engine call.
const codecName = "msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
