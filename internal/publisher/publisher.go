// Package publisher resolves adapter slugs to Publisher implementations.
package publisher

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Catalog looks up adapter descriptors by slug.
type Catalog interface {
	Get(slug string) (promotion.AdapterDescriptor, bool)
}

// Builder constructs a Publisher for one descriptor.
type Builder func(desc promotion.AdapterDescriptor) (promotion.Publisher, error)

// Registry maps slugs to Publishers, building each one lazily by adapter kind.
type Registry struct {
	catalog  Catalog
	builders map[promotion.AdapterKind]Builder
	testMode promotion.Publisher

	mu    sync.Mutex
	cache map[string]promotion.Publisher
}

// NewRegistry creates a Registry. testMode serves every job flagged as a test.
func NewRegistry(catalog Catalog, builders map[promotion.AdapterKind]Builder, testMode promotion.Publisher) *Registry {
	return &Registry{
		catalog:  catalog,
		builders: builders,
		testMode: testMode,
		cache:    make(map[string]promotion.Publisher),
	}
}

// Resolve returns the Publisher and descriptor for slug.
func (r *Registry) Resolve(slug string, testMode bool) (promotion.Publisher, promotion.AdapterDescriptor, error) {
	desc, ok := r.catalog.Get(slug)
	if !ok {
		return nil, promotion.AdapterDescriptor{}, &promotion.AdapterError{
			Code:    promotion.CodeAdapterNotFound,
			Network: slug,
			Err:     fmt.Errorf("adapter %q is not registered", slug),
		}
	}
	if testMode && r.testMode != nil {
		return r.testMode, desc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pub, ok := r.cache[slug]; ok {
		return pub, desc, nil
	}
	build, ok := r.builders[desc.Kind]
	if !ok {
		return nil, desc, &promotion.AdapterError{
			Code:    promotion.CodeAdapterNotFound,
			Network: slug,
			Err:     fmt.Errorf("no publisher for adapter kind %q", desc.Kind),
		}
	}
	pub, err := build(desc)
	if err != nil {
		return nil, desc, fmt.Errorf("build publisher %s: %w", slug, err)
	}
	r.cache[slug] = pub
	return pub, desc, nil
}
