// Package wire encodes autoencoder tensors and service messages in the
// protobuf wire format.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// Messages of the latentmorph.v1.Autoencoder service. They are encoded in the
// protobuf wire format by hand:
//
//	message Tensor     { repeated int64 shape = 1; bytes data = 2; }  // data: little-endian float32
//	message Latent     { Tensor mean = 1; Tensor logvar = 2; }
//	message LoadRequest{ string path = 1; string subfolder = 2; string device = 3; string precision = 4; }
//	message Device     { string name = 1; string kind = 2; bool accelerated = 3; uint64 memory_bytes = 4; }
//	message DeviceList { repeated Device devices = 1; }
//	message Empty      {}
type Message interface {
	AppendWire(b []byte) []byte
	ConsumeWire(b []byte) error
}

// Marshal encodes m.
func Marshal(m Message) []byte {
	return m.AppendWire(nil)
}

// Unmarshal decodes data into m.
func Unmarshal(data []byte, m Message) error {
	return m.ConsumeWire(data)
}

// TensorMessage carries a tensor.
type TensorMessage struct {
	Shape []int64
	Data  []float32
}

// LatentMessage carries a latent distribution.
type LatentMessage struct {
	Mean   *TensorMessage
	LogVar *TensorMessage
}

// LoadRequest asks the server to load a model.
type LoadRequest struct {
	Path      string
	Subfolder string
	Device    string
	Precision string
}

// DeviceMessage describes one server-side compute device.
type DeviceMessage struct {
	Name        string
	Kind        string
	Accelerated bool
	MemoryBytes uint64
}

// DeviceList is the Describe response.
type DeviceList struct {
	Devices []*DeviceMessage
}

// Empty is used where a call carries no payload.
type Empty struct{}

// NewTensorMessage copies t into a message.
func NewTensorMessage(t *tensor.Tensor) *TensorMessage {
	shape := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int64(d)
	}
	return &TensorMessage{Shape: shape, Data: t.Data}
}

// Tensor converts the message back into a tensor.
func (m *TensorMessage) Tensor() (*tensor.Tensor, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: missing tensor", backend.ErrBadShape)
	}

	shape := make([]int, len(m.Shape))
	for i, d := range m.Shape {
		if d < 0 || uint64(d) > math.MaxInt {
			return nil, fmt.Errorf("%w: dimension %d out of range", tensor.ErrInvalidShape, d)
		}
		shape[i] = int(d)
	}
	return tensor.FromData(m.Data, shape...)
}

func (m *TensorMessage) AppendWire(b []byte) []byte {
	if len(m.Shape) > 0 {
		var packed []byte
		for _, d := range m.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(len(m.Data)*4))
		for _, v := range m.Data {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
		}
	}
	return b
}

func (m *TensorMessage) ConsumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return k
				}
				m.Shape = append(m.Shape, int64(v))
				packed = packed[k:]
			}
			return n

		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				m.Shape = append(m.Shape, int64(v))
			}
			return n

		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			if len(raw)%4 != 0 {
				return -1
			}
			m.Data = make([]float32, len(raw)/4)
			for i := range m.Data {
				m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *LatentMessage) AppendWire(b []byte) []byte {
	if m.Mean != nil {
		b = appendMessage(b, 1, m.Mean)
	}
	if m.LogVar != nil {
		b = appendMessage(b, 2, m.LogVar)
	}
	return b
}

func (m *LatentMessage) ConsumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Mean = new(TensorMessage)
			return consumeMessage(b, m.Mean)
		case num == 2 && typ == protowire.BytesType:
			m.LogVar = new(TensorMessage)
			return consumeMessage(b, m.LogVar)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *LoadRequest) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.Path)
	b = appendString(b, 2, m.Subfolder)
	b = appendString(b, 3, m.Device)
	return appendString(b, 4, m.Precision)
}

func (m *LoadRequest) ConsumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}

		s, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			m.Path = s
		case 2:
			m.Subfolder = s
		case 3:
			m.Device = s
		case 4:
			m.Precision = s
		}
		return n
	})
}

func (m *DeviceMessage) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Kind)
	if m.Accelerated {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.MemoryBytes > 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, m.MemoryBytes)
	}
	return b
}

func (m *DeviceMessage) ConsumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Name = s
			return n
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Kind = s
			return n
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Accelerated = protowire.DecodeBool(v)
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.MemoryBytes = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *DeviceList) AppendWire(b []byte) []byte {
	for _, d := range m.Devices {
		b = appendMessage(b, 1, d)
	}
	return b
}

func (m *DeviceList) ConsumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.BytesType {
			d := new(DeviceMessage)
			n := consumeMessage(b, d)
			m.Devices = append(m.Devices, d)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (*Empty) AppendWire(b []byte) []byte { return b }

func (*Empty) ConsumeWire([]byte) error { return nil }

// DeviceInfo converts the message into the backend type.
func (m *DeviceMessage) DeviceInfo() backend.DeviceInfo {
	return backend.DeviceInfo{
		Name:        m.Name,
		Kind:        m.Kind,
		Accelerated: m.Accelerated,
		MemoryBytes: m.MemoryBytes,
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}

// consumeMessage decodes a length-delimited sub-message and returns the bytes consumed.
func consumeMessage(b []byte, m Message) int {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := m.ConsumeWire(raw); err != nil {
		return -1
	}
	return n
}

// consumeFields walks b field by field. fn consumes one field value and
// returns the number of bytes read, or a negative protowire error code.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n < 0 {
			return fmt.Errorf("wire: malformed field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
