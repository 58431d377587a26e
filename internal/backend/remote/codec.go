package remote

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"

	"github.com/ekisa-team/latentmorph/internal/backend/wire"
)

// codecName is the gRPC content subtype used by the autoencoder service.
const codecName = "latentmorph"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals the hand-encoded autoencoder messages and falls back to
// protobuf for generated messages.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wire.Message:
		return m.AppendWire(nil), nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("remote: cannot marshal %T", v)
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wire.Message:
		return m.ConsumeWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("remote: cannot unmarshal into %T", v)
}

func (codec) Name() string {
	return codecName
}
