package runtime

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/Jeffail/gabs/v2"
	"github.com/trducng/theflow/runtime/field"
)

const persistedTypeKey = "__type__"

var symbolRef = regexp.MustCompile(`^\{\{\s*([^{}\s]+)\s*\}\}$`)

// Dump describes c and its nodes as plain data:
//
//	type:    registered type name
//	params:  param values
//	nodes:   dumped child components
//	configs: config values, flattened to dotted keys
//	backend: persisted backend, omitted for in-process ones
//
// Params that are computed from other fields are not dumped. Values that are
// not plain data must be registered symbols or implement Persister.
func Dump(c Component) (map[string]any, error) {
	return dumpComponent(c, nil)
}

func dumpComponent(c Component, visiting []*Base) (map[string]any, error) {
	if err := ensureInit(c); err != nil {
		return nil, err
	}
	b := c.base()
	for _, v := range visiting {
		if v == b {
			return nil, fmt.Errorf("cannot dump %s: %w", b.TypeName(), field.ErrCyclicDependency)
		}
	}
	visiting = append(visiting, b)
	reg := b.Settings().Registry
	table := b.Table()

	params := map[string]any{}
	for _, name := range table.Params() {
		spec, _ := table.Lookup(name)
		if spec.Kind == field.KindAutoCallback {
			continue
		}
		v, err := b.Get(name)
		if err != nil {
			var missing *field.MissingError
			if errors.As(err, &missing) {
				continue
			}
			return nil, err
		}
		dumped, err := dumpValue(reg, v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		params[name] = dumped
	}

	nodes := map[string]any{}
	for _, name := range table.Nodes() {
		node, err := b.Node(name)
		if err != nil {
			var missing *field.MissingError
			if errors.As(err, &missing) {
				continue
			}
			return nil, err
		}
		dumped, err := dumpComponent(node, visiting)
		if err != nil {
			return nil, err
		}
		nodes[name] = dumped
	}
	for name, v := range b.Extra() {
		if node, ok := v.(Component); ok {
			dumped, err := dumpComponent(node, visiting)
			if err != nil {
				return nil, err
			}
			nodes[name] = dumped
			continue
		}
		dumped, err := dumpValue(reg, v)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		params[name] = dumped
	}

	config, err := structToMap(b.Config())
	if err != nil {
		return nil, err
	}
	configs, err := gabs.Wrap(config).Flatten()
	if err != nil {
		return nil, fmt.Errorf("failed to flatten configs: %w", err)
	}

	def := map[string]any{
		"type":    b.TypeName(),
		"params":  params,
		"nodes":   nodes,
		"configs": configs,
	}
	if p, ok := b.Backend().(Persister); ok {
		backend, err := dumpValue(reg, p)
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		def["backend"] = backend
	}
	return def, nil
}

func dumpValue(reg *Registry, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if name, ok := reg.symbolName(v); ok {
		return "{{ " + name + " }}", nil
	}
	if p, ok := v.(Persister); ok {
		fields, err := p.Persist()
		if err != nil {
			return nil, err
		}
		out := map[string]any{persistedTypeKey: p.PersistType()}
		for k, fv := range fields {
			dumped, err := dumpValue(reg, fv)
			if err != nil {
				return nil, err
			}
			out[k] = dumped
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return v, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			dumped, err := dumpValue(reg, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = dumped
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot dump map with %s keys", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			dumped, err := dumpValue(reg, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = dumped
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot dump %T: register it as a symbol or implement Persister", v)
}

// LoadOptions controls how names in a definition are resolved.
type LoadOptions struct {
	// Registry is the allow-list of types, symbols and persisted types.
	Registry *Registry
	// Unsafe resolves every name through DefaultRegistry instead.
	Unsafe bool
	// Settings are passed to every loaded component.
	Settings *Settings
}

func (o LoadOptions) registry() (*Registry, error) {
	switch {
	case o.Registry != nil:
		return o.Registry, nil
	case o.Unsafe:
		return DefaultRegistry, nil
	default:
		return nil, fmt.Errorf("loading needs an allow-list registry or Unsafe")
	}
}

// Load builds a component from a definition produced by Dump.
func Load(def map[string]any, opts LoadOptions) (Component, error) {
	reg, err := opts.registry()
	if err != nil {
		return nil, err
	}
	base := DefaultSettings()
	if opts.Settings != nil {
		base = opts.Settings
	}
	settings := *base.withDefaults()
	settings.Registry = reg
	return loadComponent(def, reg, &settings)
}

func loadComponent(def map[string]any, reg *Registry, settings *Settings) (Component, error) {
	typeName, _ := def["type"].(string)
	if typeName == "" {
		return nil, fmt.Errorf("definition has no type")
	}
	typ, ok := reg.Lookup(typeName)
	if !ok {
		return nil, &UnsafeLoadError{Name: typeName, Kind: "type"}
	}

	values := map[string]any{}
	if params, ok := def["params"].(map[string]any); ok {
		for name, v := range params {
			loaded, err := loadValue(reg, v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", typeName, name, err)
			}
			values[name] = loaded
		}
	}
	if nodes, ok := def["nodes"].(map[string]any); ok {
		for name, v := range nodes {
			nodeDef, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s.%s: node definition is %T", typeName, name, v)
			}
			node, err := loadComponent(nodeDef, reg, settings)
			if err != nil {
				return nil, err
			}
			values[name] = node
		}
	}

	o := options{settings: settings}
	if configs, ok := def["configs"].(map[string]any); ok && len(configs) > 0 {
		container := gabs.New()
		for key, v := range configs {
			if _, err := container.SetP(v, key); err != nil {
				return nil, fmt.Errorf("%s: config %s: %w", typeName, key, err)
			}
		}
		o.config, _ = container.Data().(map[string]any)
	}
	if raw, ok := def["backend"]; ok && raw != nil {
		loaded, err := loadValue(reg, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: backend: %w", typeName, err)
		}
		backend, ok := loaded.(Backend)
		if !ok {
			return nil, fmt.Errorf("%s: backend %T does not implement Backend", typeName, loaded)
		}
		o.backend = backend
	}

	c := typ.New()
	if err := initComponent(c, typ, values, o); err != nil {
		return nil, err
	}
	return c, nil
}

func loadValue(reg *Registry, v any) (any, error) {
	switch value := v.(type) {
	case string:
		m := symbolRef.FindStringSubmatch(value)
		if m == nil {
			return value, nil
		}
		symbol, ok := reg.Symbol(m[1])
		if !ok {
			return nil, &UnsafeLoadError{Name: m[1], Kind: "symbol"}
		}
		return symbol, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			loaded, err := loadValue(reg, item)
			if err != nil {
				return nil, err
			}
			out[i] = loaded
		}
		return out, nil
	case map[string]any:
		fields := make(map[string]any, len(value))
		for k, item := range value {
			if k == persistedTypeKey {
				continue
			}
			loaded, err := loadValue(reg, item)
			if err != nil {
				return nil, err
			}
			fields[k] = loaded
		}
		name, persisted := value[persistedTypeKey].(string)
		if !persisted {
			return fields, nil
		}
		restore, ok := reg.restore(name)
		if !ok {
			return nil, &UnsafeLoadError{Name: name, Kind: "persisted"}
		}
		return restore(fields)
	}
	return v, nil
}

// LocalOnly trims a definition to what runs in the process serving it: the
// nodes of any descendant with a persisted (remote) backend are dropped,
// since that descendant's own server resolves them.
func LocalOnly(def map[string]any) map[string]any {
	return trimRemote(def, true)
}

func trimRemote(def map[string]any, root bool) map[string]any {
	out := make(map[string]any, len(def))
	for k, v := range def {
		out[k] = v
	}
	if _, remote := def["backend"]; remote && !root {
		out["nodes"] = map[string]any{}
		return out
	}
	delete(out, "backend")
	nodes, _ := def["nodes"].(map[string]any)
	trimmed := make(map[string]any, len(nodes))
	for name, v := range nodes {
		if child, ok := v.(map[string]any); ok {
			trimmed[name] = trimRemote(child, false)
		} else {
			trimmed[name] = v
		}
	}
	out["nodes"] = trimmed
	return out
}
