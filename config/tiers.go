package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"yieldkit/core"
)

type tierFile struct {
	Tiers []core.TierDefinition `yaml:"tiers"`
}

// LoadTierTable reads a YAML tier table. An empty path yields the built-in
// bird levels. Errors wrap core.ErrConfiguration so startup fails fast.
func LoadTierTable(path string) (*core.TierTable, error) {
	if path == "" {
		return core.DefaultTierTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read tiers file: %v", core.ErrConfiguration, err)
	}
	return ParseTierTable(data)
}

// ParseTierTable decodes and validates a YAML document of the form
//
//	tiers:
//	  - id: 0
//	    name: Dove
func ParseTierTable(data []byte) (*core.TierTable, error) {
	var doc tierFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse tiers: %v", core.ErrConfiguration, err)
	}
	return core.NewTierTable(doc.Tiers)
}

// MarshalTierTable renders a table in the format ParseTierTable reads.
func MarshalTierTable(t *core.TierTable) ([]byte, error) {
	return yaml.Marshal(tierFile{Tiers: t.Tiers()})
}
