package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/trialgraph/pkg/catalog"
	"github.com/orneryd/trialgraph/pkg/config"
	"github.com/orneryd/trialgraph/pkg/writeop"
)

// Registry maps function identifiers to compiled operations.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*writeop.Operation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*writeop.Operation)}
}

// Register adds op under its name, replacing any earlier operation with the
// same name.
func (r *Registry) Register(op *writeop.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Name()] = op
}

// RegisterDescriptor compiles d and registers the result.
func (r *Registry) RegisterDescriptor(d writeop.Descriptor) error {
	op, err := writeop.New(d)
	if err != nil {
		return err
	}
	r.Register(op)
	return nil
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (*writeop.Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names lists the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RegistryFor builds the registry a pipeline resolves against: the built-in
// catalog unless disabled, then the pipeline's own operations.
func RegistryFor(cfg *config.Pipeline) (*Registry, error) {
	reg := NewRegistry()
	if cfg.UseCatalog() {
		ops, err := catalog.Operations()
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			reg.Register(op)
		}
	}
	for _, d := range cfg.Operations {
		if err := reg.RegisterDescriptor(d); err != nil {
			return nil, fmt.Errorf("operations: %w", err)
		}
	}
	return reg, nil
}
