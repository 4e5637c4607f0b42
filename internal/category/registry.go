// Package category holds the static table of content categories served by
// the builder and allocator. The table is loaded once at startup from a YAML
// artifact; category ids are opaque strings used in pool and ledger keys.
package category

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Category ids appear inside pool and ledger key names, so the charset stays
// clear of key separators.
var categoryIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Entry is one category row from the artifact.
type Entry struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type artifact struct {
	Categories []Entry `yaml:"categories"`
}

// Registry is an immutable id → display-name table.
type Registry struct {
	entries map[string]string
	ids     []string
}

// LoadFile reads the category artifact from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw YAML.
func Parse(data []byte) (*Registry, error) {
	var a artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	if len(a.Categories) == 0 {
		return nil, fmt.Errorf("categories artifact is empty")
	}

	entries := make(map[string]string, len(a.Categories))
	ids := make([]string, 0, len(a.Categories))
	for _, e := range a.Categories {
		if e.ID == "" {
			return nil, fmt.Errorf("category with empty id (name %q)", e.Name)
		}
		if !categoryIDPattern.MatchString(e.ID) {
			return nil, fmt.Errorf("invalid category id %q: must match %s", e.ID, categoryIDPattern.String())
		}
		if _, dup := entries[e.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %q", e.ID)
		}
		entries[e.ID] = e.Name
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)

	return &Registry{entries: entries, ids: ids}, nil
}

// New builds a Registry from explicit entries; used by tests and tools.
func New(entries []Entry) (*Registry, error) {
	data, err := yaml.Marshal(artifact{Categories: entries})
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Known reports whether id is a registered category.
func (r *Registry) Known(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Name returns the display name for id, or the id itself when unregistered.
func (r *Registry) Name(id string) string {
	if n, ok := r.entries[id]; ok && n != "" {
		return n
	}
	return id
}

// IDs returns all category ids in a stable sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Len returns the number of registered categories.
func (r *Registry) Len() int {
	return len(r.ids)
}
