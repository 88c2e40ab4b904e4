package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// App holds the component definitions found in a directory, keyed by file
// name without extension.
type App struct {
	Definitions map[string]map[string]any
	opts        LoadOptions
}

func NewApp(dir string, opts LoadOptions) (*App, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error reading directory: %w", err)
		}
		files = append(files, matches...)
	}

	app := App{
		Definitions: make(map[string]map[string]any),
		opts:        opts,
	}
	for _, file := range files {
		def, err := ReadDefinition(file)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		app.Definitions[name] = def
	}
	return &app, nil
}

// Names lists the definitions in sorted order.
func (a *App) Names() []string {
	names := make([]string, 0, len(a.Definitions))
	for name := range a.Definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build loads the named definition.
func (a *App) Build(name string) (Component, error) {
	def, ok := a.Definitions[name]
	if !ok {
		return nil, fmt.Errorf("definition %s not found", name)
	}
	return Load(def, a.opts)
}

// ReadDefinition reads a YAML file produced from Dump.
func ReadDefinition(file string) (map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}

	def := map[string]any{}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("error unmarshalling YAML: %w", err)
	}
	return def, nil
}

// WriteDefinition dumps c to a YAML file.
func WriteDefinition(c Component, file string) error {
	def, err := Dump(c)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("error marshalling YAML: %w", err)
	}
	return os.WriteFile(file, data, 0o644)
}
