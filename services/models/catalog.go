package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one model known to the deployment, whether
// or not its weights are installed.
type CatalogEntry struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	URL         string `yaml:"url,omitempty" json:"url,omitempty"`
	SizeBytes   int64  `yaml:"size_bytes,omitempty" json:"size_bytes,omitempty"`
}

// Catalog is the curated model list loaded from a YAML file. It is
// optional; without one the API only reports installed weights.
type Catalog struct {
	Models []CatalogEntry `yaml:"models"`
}

// ModelStatus is a catalog entry merged with the on-disk library:
// what the deployment knows about plus whether it is ready to serve.
type ModelStatus struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Installed   bool   `json:"installed"`
	Path        string `json:"path,omitempty"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	for i, entry := range cat.Models {
		if !validModelName(entry.Name) {
			return nil, fmt.Errorf("model catalog entry %d: invalid name %q", i, entry.Name)
		}
	}
	return &cat, nil
}

// Status merges the catalog with the library's installed weights.
// Installed models absent from the catalog are appended, so a weights
// file dropped into the directory always shows up. For installed
// entries the on-disk size wins over the catalog's advertised size.
func (c *Catalog) Status(lib *Library) []ModelStatus {
	installed := lib.List()
	byName := make(map[string]ModelInfo, len(installed))
	for _, info := range installed {
		byName[info.Name] = info
	}

	var out []ModelStatus
	seen := make(map[string]bool)
	if c != nil {
		for _, entry := range c.Models {
			status := ModelStatus{
				Name:        entry.Name,
				Description: entry.Description,
				URL:         entry.URL,
				SizeBytes:   entry.SizeBytes,
			}
			if info, ok := byName[entry.Name]; ok {
				status.Installed = true
				status.Path = info.Path
				status.SizeBytes = info.SizeBytes
			}
			out = append(out, status)
			seen[entry.Name] = true
		}
	}
	for _, info := range installed {
		if seen[info.Name] {
			continue
		}
		out = append(out, ModelStatus{
			Name:      info.Name,
			SizeBytes: info.SizeBytes,
			Installed: true,
			Path:      info.Path,
		})
	}
	return out
}
