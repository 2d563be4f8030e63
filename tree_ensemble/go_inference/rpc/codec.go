package rpc

import (
	"github.com/Farx1/SA-FHE/pkg/serialization"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype the inference service is served with.
const CodecName = "gob"

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) { return serialization.EncodeGob(v) }

func (gobCodec) Unmarshal(data []byte, v any) error { return serialization.DecodeGob(data, v) }

func (gobCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// CallOptions selects the gob codec for every call.
func CallOptions(maxSize int) []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(maxSize),
		grpc.MaxCallSendMsgSize(maxSize),
	}
}
