package ledger

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/possync/internal/schema"
	"github.com/hyperengineering/possync/internal/types"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Reference map[string][]map[string]any `yaml:"reference"`
}

// DefaultSeed returns the built-in reference data.
func DefaultSeed() (map[string][]types.ReferenceEntry, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads reference data from a YAML file.
func LoadSeed(path string) (map[string][]types.ReferenceEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML reference data. Each document's key is read from
// the field the cache schema declares for its table, or "name" for tables
// the schema does not know.
func ParseSeed(data []byte) (map[string][]types.ReferenceEntry, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	keyPaths := make(map[string]string)
	for _, t := range schema.Default().Tables {
		keyPaths[t.Name] = t.KeyPath
	}

	out := make(map[string][]types.ReferenceEntry, len(f.Reference))
	for table, docs := range f.Reference {
		keyPath, ok := keyPaths[table]
		if !ok {
			keyPath = "name"
		}
		entries := make([]types.ReferenceEntry, 0, len(docs))
		for i, doc := range docs {
			key, ok := doc[keyPath].(string)
			if !ok || key == "" {
				return nil, fmt.Errorf("seed %s[%d]: missing string key %q", table, i, keyPath)
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("seed %s[%d]: %w", table, i, err)
			}
			entries = append(entries, types.ReferenceEntry{Key: key, Data: raw})
		}
		out[table] = entries
	}
	return out, nil
}
