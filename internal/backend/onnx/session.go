package onnx

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// environment reference-counts the process-wide ONNX Runtime environment.
var environment struct {
	sync.Mutex
	refs  int
	owned bool
}

func acquireEnvironment(libraryPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if environment.refs == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: failed to initialize runtime: %w", err)
		}
		environment.owned = true
		slog.Debug("ONNX Runtime initialized", "library", libraryPath)
	}
	environment.refs++
	return nil
}

func releaseEnvironment() {
	environment.Lock()
	defer environment.Unlock()

	environment.refs--
	if environment.refs > 0 || !environment.owned {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("Failed to destroy ONNX Runtime environment", "error", err)
	}
	environment.owned = false
}

// ioInfo describes one graph input or output.
type ioInfo struct {
	Name     string
	Dims     []int64
	DataType ort.TensorElementDataType
}

// session is one graph with a single input and a single output.
type session struct {
	path   string
	sess   *ort.DynamicAdvancedSession
	input  ioInfo
	output ioInfo
}

func openSession(path, device string, threads int) (*session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to inspect %s: %w", path, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("%w: %s has %d inputs and %d outputs", ErrGraph, path, len(inputs), len(outputs))
	}

	s := &session{
		path:   path,
		input:  ioInfo{Name: inputs[0].Name, Dims: slices.Clone(inputs[0].Dimensions), DataType: inputs[0].DataType},
		output: ioInfo{Name: outputs[0].Name, Dims: slices.Clone(outputs[0].Dimensions), DataType: outputs[0].DataType},
	}

	opts, err := sessionOptions(device, threads)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	s.sess, err = ort.NewDynamicAdvancedSession(path, []string{s.input.Name}, []string{s.output.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to open %s: %w", path, err)
	}
	return s, nil
}

func sessionOptions(device string, threads int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}

	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("onnx: intra-op threads: %w", err)
		}
	}

	if !strings.HasPrefix(device, "cuda") {
		return opts, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx: cuda provider: %w", err)
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": deviceID(device)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx: cuda provider: %w", err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx: cuda provider: %w", err)
	}
	return opts, nil
}

// deviceID returns the ordinal of a "cuda:N" device name.
func deviceID(device string) string {
	if _, id, ok := strings.Cut(device, ":"); ok && id != "" {
		return id
	}
	return "0"
}

// run feeds x through the graph. The output buffer is allocated with outShape.
func (s *session) run(x *tensor.Tensor, outShape []int) (*tensor.Tensor, error) {
	input, err := newValue(s.input.DataType, x.Shape, x.Data)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()

	output, err := newValue(s.output.DataType, outShape, nil)
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	if err := s.sess.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, err
	}
	return readValue(output, outShape)
}

func (s *session) close() {
	if s == nil || s.sess == nil {
		return
	}
	if err := s.sess.Destroy(); err != nil {
		slog.Warn("Failed to destroy ONNX session", "path", s.path, "error", err)
	}
	s.sess = nil
}

// newValue allocates an ORT tensor of the graph's element type. A nil data
// slice allocates a zeroed output buffer.
func newValue(dt ort.TensorElementDataType, shape []int, data []float32) (ort.Value, error) {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	s := ort.NewShape(dims...)

	switch dt {
	case ort.TensorElementDataTypeFloat:
		if data == nil {
			t, err := ort.NewEmptyTensor[float32](s)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		t, err := ort.NewTensor(s, data)
		if err != nil {
			return nil, err
		}
		return t, nil

	case ort.TensorElementDataTypeFloat16:
		buf := make([]byte, 2*s.FlattenedSize())
		encodeHalf(buf, data)
		t, err := ort.NewCustomDataTensor(s, buf, ort.TensorElementDataTypeFloat16)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	return nil, fmt.Errorf("%w: element type %v", ErrGraph, dt)
}

func readValue(v ort.Value, shape []int) (*tensor.Tensor, error) {
	switch v := v.(type) {
	case *ort.Tensor[float32]:
		return tensor.FromData(slices.Clone(v.GetData()), shape...)
	case *ort.CustomDataTensor:
		raw := v.GetData()
		out := make([]float32, len(raw)/2)
		decodeHalf(out, raw)
		return tensor.FromData(out, shape...)
	}
	return nil, fmt.Errorf("%w: output value %T", ErrGraph, v)
}

// encodeHalf writes data as little-endian IEEE 754 half floats into buf.
func encodeHalf(buf []byte, data []float32) {
	for i, v := range data {
		binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
	}
}

// decodeHalf reads little-endian half floats from raw into out.
func decodeHalf(out []float32, raw []byte) {
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
}
