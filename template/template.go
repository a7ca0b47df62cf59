package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is a declarative transform artifact. Transform is a JSON/YAML
// tree whose string leaves may carry template expressions; FilterRules names
// rules in the rule catalog that gate forwarding.
type Template struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Transform   map[string]any `json:"transform" yaml:"transform"`
	FilterRules []string       `json:"filter_rules,omitempty" yaml:"filter_rules,omitempty"`
}

// Validate checks structural requirements
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template.Validate: name required")
	}
	if len(t.Transform) == 0 {
		return fmt.Errorf("template.Validate: template %q has no transform", t.Name)
	}
	return nil
}

// compiledTemplate is a Template whose string leaves are parsed once at load
type compiledTemplate struct {
	Template
	tree any
}

func compileTemplate(t Template) (*compiledTemplate, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	tree, err := compileTree(t.Transform)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", t.Name, err)
	}
	return &compiledTemplate{Template: t, tree: tree}, nil
}

// compileTree walks a transform tree, compiling every string that carries
// markers. Map keys are compiled too.
func compileTree(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(compiledMap, len(t))
		for k, val := range t {
			ck, err := compileTree(k)
			if err != nil {
				return nil, err
			}
			cv, err := compileTree(val)
			if err != nil {
				return nil, err
			}
			out[k] = compiledEntry{key: ck, value: cv}
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			cv, err := compileTree(item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case string:
		if !HasMarkers(t) {
			return t, nil
		}
		return compileString(t)
	default:
		return v, nil
	}
}

type compiledEntry struct {
	key   any
	value any
}

type compiledMap map[string]compiledEntry

// renderTree evaluates a compiled tree against a context
func renderTree(v any, ctx *Context) (any, error) {
	switch t := v.(type) {
	case compiledMap:
		out := make(map[string]any, len(t))
		for _, entry := range t {
			key, err := renderTree(entry.key, ctx)
			if err != nil {
				return nil, err
			}
			value, err := renderTree(entry.value, ctx)
			if err != nil {
				return nil, err
			}
			out[stringOf(key)] = value
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rv, err := renderTree(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case *program:
		return t.run(ctx)
	default:
		return v, nil
	}
}

// LoadDir reads every .yaml/.yml/.json file in dir into a Template keyed by
// its name field, falling back to the file basename.
func LoadDir(dir string) (map[string]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("template.LoadDir: reading %s: %w", dir, err)
	}

	templates := map[string]Template{}
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
			return nil, fmt.Errorf("template.LoadDir: reading %s: %w", entry.Name(), err)
		}

		var t Template
		if ext == ".json" {
			err = json.Unmarshal(data, &t)
		} else {
			err = yaml.Unmarshal(data, &t)
		}
		if err != nil {
			return nil, fmt.Errorf("template.LoadDir: parsing %s: %w", entry.Name(), err)
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		templates[t.Name] = t
	}
	return templates, nil
}
