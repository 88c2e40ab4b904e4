package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

// init initializes the validator and registers custom validation functions
func init() {
	validate = validator.New()

	// Register custom validators
	registerCustomValidators()
}

// Config is the per-component configuration. Values resolve from the struct
// tag defaults, then the type-level config of every registered base type from
// the root of the hierarchy down, then the map or file passed at construction.
type Config struct {
	// StoreResult is the directory runs are persisted to. Empty disables
	// persistence.
	StoreResult string `yaml:"store_result"`
	// RunID fixes the run id of root calls. Empty generates a uuid per call.
	RunID string `yaml:"run_id"`
	// FlowName names the run partitions. Empty uses the type name.
	FlowName string `yaml:"flow_name"`
	// CycleCheckLimit bounds the node connections walked before a root call.
	// Zero disables the check.
	CycleCheckLimit int `yaml:"cycle_check_limit" default:"200" validate:"gte=0"`
}

// InitializeConfig applies defaults, merges raw values and validates.
// Plugins call it on their own Config structs.
func InitializeConfig(config any, rawValues map[string]any) error {
	// Step 1: Apply defaults from struct tags
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	// Step 2: Merge raw values, rejecting unknown keys
	if len(rawValues) > 0 {
		if err := mapToStructFromYAML(rawValues, config, true); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"raw_values", rawValues,
				"error", err)
			return fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	// Step 3: Validate the merged result
	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"config_value", configValue.Interface(),
			"error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ResolveConfig builds the Config of a registered type. Layers are applied
// base type first; override is applied last.
func ResolveConfig(reg *Registry, typ *Type, override map[string]any) (Config, error) {
	var cfg Config
	if err := ApplyDefaults(&cfg); err != nil {
		return Config{}, err
	}

	chain, err := reg.lineage(typ)
	if err != nil {
		return Config{}, err
	}
	for _, t := range chain {
		if len(t.Config) == 0 {
			continue
		}
		if err := mapToStructFromYAML(t.Config, &cfg, true); err != nil {
			return Config{}, fmt.Errorf("invalid config on type %s: %w", t.Name, err)
		}
	}
	if len(override) > 0 {
		if err := mapToStructFromYAML(override, &cfg, true); err != nil {
			return Config{}, fmt.Errorf("invalid config: %w", err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfigFile loads a YAML config file into a raw map.
func ReadConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return raw, nil
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// resolveEnvVar resolves environment variables in config values
func resolveEnvVar(value string) (string, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return value, nil
	}

	varName := matches[1]
	defaultPart := matches[2]

	if envValue, exists := os.LookupEnv(varName); exists {
		return envValue, nil
	}
	if defaultPart != "" {
		return strings.TrimPrefix(defaultPart, ":"), nil
	}
	return "", fmt.Errorf("required environment variable not set: %s", varName)
}

// registerCustomValidators registers framework-provided custom validation functions
func registerCustomValidators() {
	// hostname_port validates "host:port" format with numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	// url_format validates URL structure
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// dsn validates database connection string format
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.Contains(s, "://") {
			_, err := url.Parse(s)
			return err == nil
		}
		// key=value form, e.g. "host=localhost dbname=flow"
		return strings.Contains(s, "=")
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		// Format validation errors for better readability
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}
