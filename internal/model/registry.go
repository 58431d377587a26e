package model

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Registry tracks the model instances of the current config. A config names a
// single model, so installing one evicts whatever an earlier config left.
type Registry struct {
	models map[string]*ModelInstance
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*ModelInstance),
	}
}

// Replace installs instance and evicts every instance with another ID.
// The evicted instances are returned ordered by ID.
func (r *Registry) Replace(instance *ModelInstance) []*ModelInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*ModelInstance
	for id, old := range r.models {
		if id != instance.ID {
			evicted = append(evicted, old)
			delete(r.models, id)
		}
	}
	r.models[instance.ID] = instance

	slices.SortFunc(evicted, byID)
	return evicted
}

// Get returns the instance with the given ID in any status.
func (r *Registry) Get(id string) (*ModelInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.models[id]
	return instance, ok
}

// Loaded returns the instance only once its weights are in a backend.
// A failed instance reports the error that failed it.
func (r *Registry) Loaded(id string) (*ModelInstance, error) {
	instance, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch instance.Status() {
	case ModelStatusLoaded:
		return instance, nil
	case ModelStatusFailed:
		return nil, fmt.Errorf("%w: %s: %w", ErrModelNotLoaded, id, instance.Err())
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrModelNotLoaded, id, instance.Status())
	}
}

// List returns all instances ordered by ID.
func (r *Registry) List() []*ModelInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*ModelInstance, 0, len(r.models))
	for _, instance := range r.models {
		instances = append(instances, instance)
	}
	slices.SortFunc(instances, byID)
	return instances
}

func byID(a, b *ModelInstance) int {
	return cmp.Compare(a.ID, b.ID)
}
