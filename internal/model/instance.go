package model

import (
	"sync"
	"time"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
)

// ModelStatus is the lifecycle state of a model instance.
type ModelStatus string

const (
	ModelStatusUnloaded ModelStatus = "unloaded"
	ModelStatusLoading  ModelStatus = "loading"
	ModelStatusLoaded   ModelStatus = "loaded"
	ModelStatusFailed   ModelStatus = "failed"
)

// ModelInstance is one configured autoencoder and where its weights live.
type ModelInstance struct {
	ID       string
	Path     string
	Config   config.ModelConfig
	Spec     backend.ModelSpec
	Provider backend.Provider

	mu       sync.RWMutex
	status   ModelStatus
	loadedAt time.Time
	err      error
}

// NewModelInstance creates an unloaded instance.
func NewModelInstance(modelConfig *config.ModelConfig, id, path string) *ModelInstance {
	return &ModelInstance{
		ID:       id,
		Path:     path,
		Config:   *modelConfig,
		Provider: backend.Provider(modelConfig.Backend),
		status:   ModelStatusUnloaded,
	}
}

// SetStatus moves the instance to status. Loaded records the time and clears any error.
func (m *ModelInstance) SetStatus(status ModelStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = status
	if status == ModelStatusLoaded {
		m.loadedAt = time.Now()
		m.err = nil
	}
}

// Fail marks the instance failed with err.
func (m *ModelInstance) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = ModelStatusFailed
	m.err = err
}

// Status returns the current status.
func (m *ModelInstance) Status() ModelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.status
}

// LoadedAt returns when the instance last reached ModelStatusLoaded.
func (m *ModelInstance) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.loadedAt
}

// Err returns the failure recorded by Fail.
func (m *ModelInstance) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.err
}
