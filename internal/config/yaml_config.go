package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// nest turns dotted keys into nested maps so the YAML reads naturally.
func nest(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

// DefaultYAML renders the default configuration as YAML.
func DefaultYAML() ([]byte, error) {
	data, err := yaml.Marshal(nest(Defaults()))
	if err != nil {
		return nil, fmt.Errorf("failed to render default config: %w", err)
	}
	header := "# habitsync configuration\n# Environment variables override these values, e.g. HABITSYNC_REMOTE_URL\n\n"
	return append([]byte(header), data...), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := DefaultYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EffectiveYAML renders the current settings, redacting the remote token.
func EffectiveYAML() ([]byte, error) {
	settings := AllSettings()
	if remote, ok := settings["remote"].(map[string]any); ok {
		if tok, _ := remote["token"].(string); tok != "" {
			remote["token"] = "********"
		}
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
