package runtime

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// mapToStructFromYAML decodes a raw map into a struct using yaml tags.
// With strict set, keys that match no field are rejected.
func mapToStructFromYAML(m map[string]any, target any, strict bool) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			envVarHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}

	return nil
}

// mapToStruct decodes a payload map into a struct using json tags.
func mapToStruct(m any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}

	return nil
}

// structToMap converts a struct to map[string]any keyed by its yaml tags.
func structToMap(s any) (map[string]any, error) {
	result := map[string]any{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &result,
		TagName: "yaml",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(s); err != nil {
		return nil, fmt.Errorf("failed to convert struct: %w", err)
	}
	return result, nil
}

// envVarHook resolves ${VAR} and ${VAR:default} string values.
func envVarHook(from reflect.Kind, _ reflect.Kind, data any) (any, error) {
	if from != reflect.String {
		return data, nil
	}
	return resolveEnvVar(reflect.ValueOf(data).String())
}
