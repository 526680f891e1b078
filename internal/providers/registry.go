package providers

import (
	"fmt"
	"sort"
)

type Registry struct {
	providers map[string]Compute
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Compute{}}
}

func (r *Registry) Register(p Compute) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Compute, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
