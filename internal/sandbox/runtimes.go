package sandbox

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Runtime maps a logical language name onto the sandbox's runtime identifier
// and the canonical filename its toolchain expects.
type Runtime struct {
	Language string `yaml:"language"`
	Version  string `yaml:"version"`
	Filename string `yaml:"filename"`
}

// defaultRuntimes is the built-in language table. Adding a language is a data
// change here (or in a runtimes YAML file), not a code change.
var defaultRuntimes = map[string]Runtime{
	"python":     {Language: "python", Version: "3.10.0", Filename: "main.py"},
	"javascript": {Language: "javascript", Version: "18.15.0", Filename: "index.js"},
	"typescript": {Language: "typescript", Version: "5.0.3", Filename: "index.ts"},
	"go":         {Language: "go", Version: "1.16.2", Filename: "main.go"},
	"java":       {Language: "java", Version: "15.0.2", Filename: "Main.java"},
	"c":          {Language: "c", Version: "10.2.0", Filename: "main.c"},
	"cpp":        {Language: "c++", Version: "10.2.0", Filename: "main.cpp"},
	"ruby":       {Language: "ruby", Version: "3.0.1", Filename: "main.rb"},
	"rust":       {Language: "rust", Version: "1.68.2", Filename: "main.rs"},
}

// RuntimeTable resolves languages to sandbox runtimes.
type RuntimeTable struct {
	runtimes map[string]Runtime
}

// NewRuntimeTable returns the built-in table.
func NewRuntimeTable() *RuntimeTable {
	m := make(map[string]Runtime, len(defaultRuntimes))
	for k, v := range defaultRuntimes {
		m[k] = v
	}
	return &RuntimeTable{runtimes: m}
}

// LoadRuntimeTable returns the built-in table merged with overrides from a
// YAML file of the form {languages: {python: {version: ..., filename: ...}}}.
func LoadRuntimeTable(path string) (*RuntimeTable, error) {
	t := NewRuntimeTable()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runtime table: %w", err)
	}
	var file struct {
		Languages map[string]Runtime `yaml:"languages"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing runtime table: %w", err)
	}
	for name, rt := range file.Languages {
		if rt.Language == "" {
			rt.Language = name
		}
		base, ok := t.runtimes[name]
		if ok {
			if rt.Version == "" {
				rt.Version = base.Version
			}
			if rt.Filename == "" {
				rt.Filename = base.Filename
			}
		}
		t.runtimes[name] = rt
	}
	return t, nil
}

// Lookup resolves a language name.
func (t *RuntimeTable) Lookup(language string) (Runtime, bool) {
	rt, ok := t.runtimes[language]
	return rt, ok
}

// Supported returns the sorted list of supported language names.
func (t *RuntimeTable) Supported() []string {
	names := make([]string, 0, len(t.runtimes))
	for name := range t.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
