package rule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every rule artifact in dir. Each file holds a map of rule
// name to definition; names repeated across files overwrite in directory
// order.
func LoadDir(dir string) (map[string]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rule.LoadDir: reading %s: %w", dir, err)
	}

	rules := map[string]Rule{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("rule.LoadDir: reading %s: %w", entry.Name(), err)
		}

		var fileRules map[string]Rule
		if ext == ".json" {
			err = json.Unmarshal(data, &fileRules)
		} else {
			err = yaml.Unmarshal(data, &fileRules)
		}
		if err != nil {
			return nil, fmt.Errorf("rule.LoadDir: parsing %s: %w", entry.Name(), err)
		}
		for name, r := range fileRules {
			r.Name = name
			rules[name] = r
		}
	}
	return rules, nil
}

// LoadFromDir loads and publishes every rule artifact in dir
func (e *Engine) LoadFromDir(dir string) error {
	rules, err := LoadDir(dir)
	if err != nil {
		return err
	}
	return e.Load(rules)
}
