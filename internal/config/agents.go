package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/s1366560/overseer/pkg/models"
)

// LoadAgentDefinitions reads sub-agent definitions from a directory of
// YAML files, one definition per file. Files are loaded in name order
// and a later file with a duplicate agent name is rejected.
func LoadAgentDefinitions(dir string) ([]*models.SubAgentDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading agents directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	defs := make([]*models.SubAgentDefinition, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := loadAgentDefinition(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("agent %q defined in both %s and %s", def.Name, prev, name)
		}
		seen[def.Name] = name
		defs = append(defs, def)
	}
	return defs, nil
}

func loadAgentDefinition(path string) (*models.SubAgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	def := &models.SubAgentDefinition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("parsing %s: agent name is required", path)
	}
	return def, nil
}
