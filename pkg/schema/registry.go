package schema

import (
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/feedlinehq/feedline/pkg/errors"
)

// Registry holds the static per-source schema table. It is an explicit
// instance owned by the composition root; nothing in this package keeps
// global state.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register validates and installs a schema, replacing any previous
// schema for the same connector.
func (r *Registry) Register(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.ConnectorID] = s
	return nil
}

// Get returns the schema for a connector, if one is registered.
func (r *Registry) Get(connectorID string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[connectorID]
	return s, ok
}

// Delete removes a connector's schema.
func (r *Registry) Delete(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, connectorID)
}

// List returns the registered connector IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile reads a YAML schema table and registers every entry.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to read schema file %s", path)
	}

	var file struct {
		Schemas []Schema `yaml:"schemas"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to parse schema file %s", path)
	}

	for i := range file.Schemas {
		s := file.Schemas[i]
		if err := r.Register(&s); err != nil {
			return err
		}
	}
	return nil
}
