// Package seatlockv1 declares the seatlock.v1 gRPC services, their messages
// and the JSON codec they travel in.
package seatlockv1

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype every seatlock.v1 call uses.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (codec) Name() string { return CodecName }
