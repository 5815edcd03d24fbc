// Package application contains the application services.
package application

import (
	"fmt"
	"sort"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// Drivers is the set of compiled driver specs keyed by name.
type Drivers map[string]*domain.DriverSpec

// Get returns the named driver spec.
func (d Drivers) Get(name string) (*domain.DriverSpec, error) {
	spec, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrDriverNotFound)
	}
	return spec, nil
}

// Names returns the driver names in sorted order.
func (d Drivers) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers is the set of configured provider adapters keyed by name.
type Providers map[string]output.Provider

// Get returns the named provider adapter.
func (p Providers) Get(name string) (output.Provider, error) {
	prov, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrProviderNotFound)
	}
	return prov, nil
}
