package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hearth-home/hearth/internal/constants"
)

// ManifestFileName is the manifest file expected at a plugin's install root.
const ManifestFileName = "plugin.yaml"

// ErrInvalidManifest indicates a manifest that fails validation.
var ErrInvalidManifest = errors.New("plugin: invalid manifest")

// Manifest describes a plugin's identity, runtime capabilities and
// configuration schema.
type Manifest struct {
	Name                string                 `yaml:"name"`
	Version             string                 `yaml:"version"`
	Description         string                 `yaml:"description"`
	Publisher           string                 `yaml:"publisher"`
	SupportedModes      []string               `yaml:"supportedModes"`
	ModeSwitchSupported bool                   `yaml:"modeSwitchSupported"`
	Entrypoint          ManifestEntrypoint     `yaml:"entrypoint"`
	ConfigSchema        map[string]ConfigField `yaml:"configSchema"`
}

// ManifestEntrypoint defines how each runtime starts the plugin.
type ManifestEntrypoint struct {
	// Command and Args launch the plugin process in microservice mode.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Script is the JavaScript source file run in embedded mode.
	Script string `yaml:"script"`
}

// ConfigField constrains one key of the plugin configuration document.
type ConfigField struct {
	Type     string `yaml:"type"` // string, number, bool
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest reads plugin.yaml from an installed plugin directory.
func LoadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: read manifest: %w", err)
	}
	return ParseManifest(raw)
}

// Validate checks structural requirements on the manifest.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidManifest)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version required", ErrInvalidManifest)
	}
	if len(m.SupportedModes) == 0 {
		return fmt.Errorf("%w: at least one supported mode required", ErrInvalidManifest)
	}
	allowedModes := constants.StringSet(constants.AllowedPluginModes)
	for _, mode := range m.SupportedModes {
		if _, ok := allowedModes[mode]; !ok {
			return fmt.Errorf("%w: unknown mode %q", ErrInvalidManifest, mode)
		}
	}
	if m.SupportsMode(constants.PluginModeMicroservice) && m.Entrypoint.Command == "" {
		return fmt.Errorf("%w: microservice mode requires an entrypoint command", ErrInvalidManifest)
	}
	if m.SupportsMode(constants.PluginModeEmbedded) && m.Entrypoint.Script == "" {
		return fmt.Errorf("%w: embedded mode requires an entrypoint script", ErrInvalidManifest)
	}
	for key, field := range m.ConfigSchema {
		switch field.Type {
		case "string", "number", "bool":
		default:
			return fmt.Errorf("%w: config field %q has unknown type %q", ErrInvalidManifest, key, field.Type)
		}
	}
	return nil
}

// SupportsMode reports whether the manifest declares the runtime mode.
func (m Manifest) SupportsMode(mode string) bool {
	for _, candidate := range m.SupportedModes {
		if candidate == mode {
			return true
		}
	}
	return false
}

// ValidateConfig checks a configuration document against the schema:
// required keys must be present, typed keys must carry the declared type,
// and unknown keys are rejected when a schema exists.
func (m Manifest) ValidateConfig(config map[string]any) error {
	if len(m.ConfigSchema) == 0 {
		return nil
	}
	for key, field := range m.ConfigSchema {
		value, ok := config[key]
		if !ok {
			if field.Required && field.Default == nil {
				return fmt.Errorf("plugin: config missing required key %q", key)
			}
			continue
		}
		if !matchesType(field.Type, value) {
			return fmt.Errorf("plugin: config key %q must be of type %s", key, field.Type)
		}
	}
	for key := range config {
		if _, ok := m.ConfigSchema[key]; !ok {
			return fmt.Errorf("plugin: config key %q not declared in schema", key)
		}
	}
	return nil
}

// ApplyDefaults returns config with schema defaults filled in for absent
// keys. The input map is not modified.
func (m Manifest) ApplyDefaults(config map[string]any) map[string]any {
	out := make(map[string]any, len(config)+len(m.ConfigSchema))
	for key, field := range m.ConfigSchema {
		if field.Default != nil {
			out[key] = field.Default
		}
	}
	for key, value := range config {
		out[key] = value
	}
	return out
}

func matchesType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	}
	return false
}
