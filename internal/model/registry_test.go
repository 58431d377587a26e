package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/latentmorph/internal/config"
)

func newInstance(id string) *ModelInstance {
	return NewModelInstance(&config.ModelConfig{ID: id, Backend: config.BackendBuiltin}, id, "")
}

func TestRegistry_ReplaceEvictsOtherModels(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.Replace(newInstance("sd15")))

	b, a := newInstance("b"), newInstance("a")
	r.models[b.ID] = b
	r.models[a.ID] = a

	current := newInstance("sd15")
	evicted := r.Replace(current)
	require.Len(t, evicted, 2)
	assert.Equal(t, "a", evicted[0].ID)
	assert.Equal(t, "b", evicted[1].ID)

	list := r.List()
	require.Len(t, list, 1)
	assert.Same(t, current, list[0])
}

func TestRegistry_ReplaceSameIDSwapsInstance(t *testing.T) {
	r := NewRegistry()
	first := newInstance("sd15")
	second := newInstance("sd15")

	r.Replace(first)
	assert.Empty(t, r.Replace(second))

	got, ok := r.Get("sd15")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistry_Loaded(t *testing.T) {
	r := NewRegistry()

	_, err := r.Loaded("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	inst := newInstance("sd15")
	r.Replace(inst)

	_, err = r.Loaded("sd15")
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	assert.ErrorContains(t, err, string(ModelStatusUnloaded))

	inst.SetStatus(ModelStatusLoading)
	_, err = r.Loaded("sd15")
	assert.ErrorContains(t, err, string(ModelStatusLoading))

	cause := errors.New("out of memory")
	inst.Fail(cause)
	_, err = r.Loaded("sd15")
	assert.ErrorIs(t, err, ErrModelNotLoaded)
	assert.ErrorIs(t, err, cause)

	inst.SetStatus(ModelStatusLoaded)
	got, err := r.Loaded("sd15")
	require.NoError(t, err)
	assert.Same(t, inst, got)
	assert.NoError(t, got.Err())
}
