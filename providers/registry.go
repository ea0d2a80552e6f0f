package providers

import (
	"fmt"
)

// Registry holds the configured directory providers: one primary and zero or
// more secondaries. It is built once at process start and injected wherever
// providers are looked up; nothing here mutates after construction.
type Registry struct {
	primary     DirectoryProvider
	secondaries []DirectoryProvider
	byName      map[string]DirectoryProvider
}

// NewRegistry validates and indexes the given providers. Exactly one must
// report IsPrimary and names must be unique.
func NewRegistry(provs ...DirectoryProvider) (*Registry, error) {
	r := &Registry{byName: make(map[string]DirectoryProvider, len(provs))}
	for _, p := range provs {
		caps := p.Capabilities()
		if caps.Name == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		if _, dup := r.byName[caps.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name: %s", caps.Name)
		}
		r.byName[caps.Name] = p
		if caps.IsPrimary {
			if r.primary != nil {
				return nil, fmt.Errorf("multiple primary providers: %s and %s", r.primary.Capabilities().Name, caps.Name)
			}
			r.primary = p
		} else {
			r.secondaries = append(r.secondaries, p)
		}
	}
	if r.primary == nil {
		return nil, fmt.Errorf("no primary provider configured")
	}
	return r, nil
}

// Primary returns the source-of-truth provider.
func (r *Registry) Primary() DirectoryProvider {
	return r.primary
}

// Secondaries returns every non-primary provider.
func (r *Registry) Secondaries() []DirectoryProvider {
	return r.secondaries
}

// Get looks a provider up by name.
func (r *Registry) Get(name string) (DirectoryProvider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names lists every registered provider name, primary included.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
