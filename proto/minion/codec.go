// ABOUTME: JSON codec registered with gRPC under the "json" content subtype.
// ABOUTME: Stream frames that fail to decode are delivered empty with DecodeErr set.

package minion

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used for every minion service.
const CodecName = "json"

type jsonCodec struct{}

// frame is implemented by the stream frame types. An Unmarshal error surfaces from Recv as
// a stream error, so frame decode failures are recorded on the frame instead.
type frame interface {
	decodeFailed(err error)
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if f, ok := v.(frame); ok && err != nil {
		f.decodeFailed(err)
		return nil
	}
	return err
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
