// Package vocabulary scores candidate transcriptions against a catalog of
// clinical terms so the most domain-relevant alternative can be selected.
package vocabulary

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is an immutable set of domain terms grouped by category.
type Catalog struct {
	categories map[string][]string
	// lookup holds every lowercased term plus the >2 char words of multi-word terms.
	lookup map[string]struct{}
	// phrases holds the lowercased multi-word terms for substring matching.
	phrases []string
}

var defaultCatalog = mustParse(defaultCatalogYAML)

// Default returns the built-in nursing assessment catalog.
func Default() *Catalog {
	return defaultCatalog
}

// NewCatalog builds a catalog from category → terms.
func NewCatalog(categories map[string][]string) *Catalog {
	c := &Catalog{
		categories: make(map[string][]string, len(categories)),
		lookup:     make(map[string]struct{}),
	}
	for name, terms := range categories {
		c.categories[name] = append([]string(nil), terms...)
		for _, term := range terms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t == "" {
				continue
			}
			c.lookup[t] = struct{}{}
			words := strings.Fields(t)
			if len(words) < 2 {
				continue
			}
			c.phrases = append(c.phrases, t)
			for _, w := range words {
				if len(w) > 2 {
					c.lookup[w] = struct{}{}
				}
			}
		}
	}
	sort.Strings(c.phrases)
	return c
}

// Parse decodes a YAML document mapping category names to term lists.
func Parse(data []byte) (*Catalog, error) {
	var categories map[string][]string
	if err := yaml.Unmarshal(data, &categories); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("parse catalog: no categories")
	}
	return NewCatalog(categories), nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

func mustParse(data []byte) *Catalog {
	c, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return c
}

// Categories returns the category names in sorted order.
func (c *Catalog) Categories() []string {
	names := make([]string, 0, len(c.categories))
	for name := range c.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Terms returns the terms of one category.
func (c *Catalog) Terms(category string) []string {
	return append([]string(nil), c.categories[category]...)
}

// All returns every term across categories, sorted and de-duplicated. Engines
// pass it as recognition hints.
func (c *Catalog) All() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, terms := range c.categories {
		for _, t := range terms {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether token (any case) is an exact catalog entry.
func (c *Catalog) Contains(token string) bool {
	_, ok := c.lookup[strings.ToLower(token)]
	return ok
}

// inPhrase reports whether token is a substring of a multi-word term.
func (c *Catalog) inPhrase(token string) bool {
	for _, p := range c.phrases {
		if strings.Contains(p, token) {
			return true
		}
	}
	return false
}
