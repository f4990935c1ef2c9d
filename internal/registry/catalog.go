// Package registry holds the static adapter catalog loaded at process start.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Catalog is an immutable, ordered set of adapter descriptors.
type Catalog struct {
	adapters []promotion.AdapterDescriptor
	bySlug   map[string]int
}

type fileSpec struct {
	Adapters []fileAdapter `yaml:"adapters"`
}

type fileAdapter struct {
	promotion.AdapterDescriptor `yaml:",inline"`
	Levels                      []string `yaml:"levels"`
}

// New builds a catalog preserving the insertion order of descs.
func New(descs ...promotion.AdapterDescriptor) (*Catalog, error) {
	c := &Catalog{
		adapters: make([]promotion.AdapterDescriptor, 0, len(descs)),
		bySlug:   make(map[string]int, len(descs)),
	}
	for i, d := range descs {
		slug := strings.TrimSpace(d.Slug)
		if slug == "" {
			return nil, fmt.Errorf("adapter %d: slug is required", i)
		}
		if _, dup := c.bySlug[slug]; dup {
			return nil, fmt.Errorf("adapter %q: duplicate slug", slug)
		}
		if len(d.Levels) == 0 {
			return nil, fmt.Errorf("adapter %q: at least one level is required", slug)
		}
		if d.Kind == "" {
			d.Kind = promotion.KindProcess
		}
		if d.Content == "" {
			d.Content = promotion.ContentArticle
		}
		if d.Title == "" {
			d.Title = slug
		}
		d.Slug = slug
		c.bySlug[slug] = len(c.adapters)
		c.adapters = append(c.adapters, d)
	}
	return c, nil
}

// Parse decodes a YAML catalog document.
func Parse(input []byte) (*Catalog, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(spec.Adapters) == 0 {
		return nil, errors.New("catalog.adapters must be non-empty")
	}
	descs := make([]promotion.AdapterDescriptor, 0, len(spec.Adapters))
	for _, fa := range spec.Adapters {
		d := fa.AdapterDescriptor
		d.Levels = nil
		for _, raw := range fa.Levels {
			lvl, ok := promotion.ParseLevel(strings.TrimSpace(raw))
			if !ok {
				return nil, fmt.Errorf("adapter %q: unknown level %q", d.Slug, raw)
			}
			d.Levels = append(d.Levels, lvl)
		}
		descs = append(descs, d)
	}
	return New(descs...)
}

// Load reads a catalog from path, falling back to the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Get looks up a descriptor by slug.
func (c *Catalog) Get(slug string) (promotion.AdapterDescriptor, bool) {
	i, ok := c.bySlug[slug]
	if !ok {
		return promotion.AdapterDescriptor{}, false
	}
	return c.adapters[i], true
}

// All returns every descriptor in insertion order.
func (c *Catalog) All() []promotion.AdapterDescriptor {
	out := make([]promotion.AdapterDescriptor, len(c.adapters))
	copy(out, c.adapters)
	return out
}

// Eligible returns enabled adapters for level with affinity to meta, ordered by
// priority ascending and then insertion order.
func (c *Catalog) Eligible(level promotion.Level, meta promotion.PageMeta) []promotion.AdapterDescriptor {
	var out []promotion.AdapterDescriptor
	for _, d := range c.adapters {
		if !d.Enabled || !d.AppliesTo(level) {
			continue
		}
		if !matchesRegion(d.Regions, meta.Region) || !matchesTopics(d.Topics, meta.Topics) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Untagged adapters and untagged pages match everything.
func matchesRegion(regions []string, region string) bool {
	if len(regions) == 0 || region == "" {
		return true
	}
	for _, r := range regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

func matchesTopics(tags, topics []string) bool {
	if len(tags) == 0 || len(topics) == 0 {
		return true
	}
	for _, tag := range tags {
		for _, topic := range topics {
			if strings.EqualFold(tag, topic) {
				return true
			}
		}
	}
	return false
}
