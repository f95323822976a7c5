// Package registry holds the ordered, immutable list of backend identifiers
// for one probe run.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry is an ordered sequence of backend IDs. Order defines both the
// resume position and the ledger ordering. Duplicates are not rejected; the
// first occurrence wins for resume lookup.
type Registry struct {
	ids []string
}

func New(ids []string) *Registry {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		clean = append(clean, id)
	}
	return &Registry{ids: clean}
}

// Load reads a registry file. A .yaml/.yml file is a YAML list of strings;
// anything else is plain text, one backend ID per line, with blank lines and
// #-comments ignored.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var ids []string
		if err := yaml.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("parse yaml registry: %w", err)
		}
		return New(ids), nil
	}
	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return New(ids), nil
}

func (r *Registry) Len() int {
	return len(r.ids)
}

func (r *Registry) At(i int) string {
	return r.ids[i]
}

// IDs returns a copy of the backend list.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// IndexOf returns the position of id, or -1 when absent.
func (r *Registry) IndexOf(id string) int {
	for i, item := range r.ids {
		if item == id {
			return i
		}
	}
	return -1
}

// ResumeIndex maps a persisted last-completed marker to the index of the next
// backend to probe. An empty or stale marker (not in the registry, e.g. the
// list changed between runs) falls back to a fresh run at index 0 rather than
// failing.
func (r *Registry) ResumeIndex(lastCompleted string) int {
	if lastCompleted == "" {
		return 0
	}
	i := r.IndexOf(lastCompleted)
	if i < 0 {
		return 0
	}
	return i + 1
}
