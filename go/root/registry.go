package root

import (
	"sort"
	"sync"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/capcorn/go/models/slot"
)

// Registry maps service names to the endpoint capability serving them.
type Registry struct {
	mu       sync.Mutex
	services map[string]slot.Handle
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]slot.Handle)}
}

func (r *Registry) Register(name string, ep slot.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return errors.New("empty service name")
	}
	if _, ok := r.services[name]; ok {
		return errors.Errorf("service %q already registered", name)
	}
	r.services[name] = ep
	return nil
}

func (r *Registry) Lookup(name string) (slot.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.services[name]
	return ep, ok
}

func (r *Registry) Remove(name string) (slot.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.services[name]
	delete(r.services, name)
	return ep, ok
}

// Names returns the registered names in natural order (svc2 before svc10).
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	return names
}
