package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML config to JSON bytes so both formats go through
// the same strict JSON decoder.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, "json", fmt.Errorf("json unmarshal: %w", err)
		}
		j, err := json.Marshal(expandEnv(v))
		if err != nil {
			return nil, "json", err
		}
		return j, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(expandEnv(normalizeYAML(v)))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// expandEnv replaces ${VAR} and $VAR in string leaves.
func expandEnv(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = expandEnv(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandEnv(x[i])
		}
		return x
	case string:
		if strings.Contains(x, "$") {
			return os.ExpandEnv(x)
		}
		return x
	default:
		return in
	}
}
