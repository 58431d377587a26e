package external

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/wire"
	"github.com/ekisa-team/latentmorph/internal/executor"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	ret := m.Called(ctx, name, args, stdin)
	out, _ := ret.Get(0).([]byte)
	errOut, _ := ret.Get(1).([]byte)
	return out, errOut, ret.Error(2)
}

func (m *MockRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	ret := m.Called(ctx, name, args, stdin)
	return nil, nil, nil, ret.Error(3)
}

func newLoaded(t *testing.T, runner *MockRunner) *Backend {
	t.Helper()

	b := NewBackendWithExecutor(executor.NewWithRunner("vae-cli", time.Second, runner))
	require.NoError(t, b.Load(context.Background(), backend.ModelSpec{
		Path:      t.TempDir(),
		Precision: tensor.PrecisionFloat16,
		Device:    "cuda",
	}))
	return b
}

func TestBackend_Encode(t *testing.T) {
	runner := new(MockRunner)
	b := newLoaded(t, runner)

	img := tensor.New(1, 3, 8, 8)
	mean := &wire.TensorMessage{Shape: []int64{1, 4, 1, 1}, Data: []float32{0.1, 0.2, 0.3, 0.4}}
	out := wire.Marshal(&wire.LatentMessage{Mean: mean})

	runner.On("Run", mock.Anything, "vae-cli",
		[]string{"encode", "--model", b.spec.Path, "--precision", "fp16", "--device", "cuda"},
		mock.MatchedBy(func(r io.Reader) bool {
			data, err := io.ReadAll(r)
			if err != nil {
				return false
			}
			var got wire.TensorMessage
			return wire.Unmarshal(data, &got) == nil && len(got.Data) == img.Numel()
		}),
	).Return(out, []byte(nil), nil).Once()

	dist, err := b.Encode(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 1, 1}, dist.Mean.Shape)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, dist.Mean.Data)
	assert.Nil(t, dist.LogVar)
	runner.AssertExpectations(t)
}

func TestBackend_EncodeRejectsMismatchedLogVar(t *testing.T) {
	runner := new(MockRunner)
	b := newLoaded(t, runner)

	out := wire.Marshal(&wire.LatentMessage{
		Mean:   &wire.TensorMessage{Shape: []int64{1, 4, 1, 1}, Data: make([]float32, 4)},
		LogVar: &wire.TensorMessage{Shape: []int64{1, 4, 2, 2}, Data: make([]float32, 16)},
	})
	runner.On("Run", mock.Anything, "vae-cli", mock.Anything, mock.Anything).
		Return(out, []byte(nil), nil).Once()

	dist, err := b.Encode(context.Background(), tensor.New(1, 3, 8, 8))
	assert.ErrorIs(t, err, backend.ErrBadShape)
	assert.Nil(t, dist)
}

func TestBackend_DecodeFailureIncludesStderr(t *testing.T) {
	runner := new(MockRunner)
	b := newLoaded(t, runner)

	runner.On("Run", mock.Anything, "vae-cli", mock.Anything, mock.Anything).
		Return([]byte(nil), []byte("CUDA out of memory"), errors.New("exit status 1")).Once()

	_, err := b.Decode(context.Background(), tensor.New(1, 4, 2, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestBackend_RequiresLoad(t *testing.T) {
	b := NewBackendWithExecutor(executor.NewWithRunner("vae-cli", time.Second, new(MockRunner)))

	_, err := b.Decode(context.Background(), tensor.New(1, 4, 2, 2))
	assert.ErrorIs(t, err, backend.ErrNotLoaded)
}

func TestBackend_ResolveModelPath(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "vae")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	b := NewBackendWithExecutor(executor.NewWithRunner("vae-cli", time.Second, new(MockRunner)))

	_, err := b.ResolveModelPath(base, "vae")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "diffusion_pytorch_model.safetensors"), bytes.Repeat([]byte{0}, 8), 0o644))

	got, err := b.ResolveModelPath(base, "vae")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
