package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dquist/codesage/internal/capability"
)

// Manifest describes a plugin's declared identity, capabilities, and
// compatibility constraints. It is immutable once read from disk.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g., "tree-sitter-extract")
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Description string `json:"description"` // Short description
	Author      string `json:"author"`      // Author name or org

	// Entry point
	Main string `json:"main"` // Relative path to main Lua file (default: "init.lua")

	// Contract
	APIVersion string `json:"apiVersion"` // Host plugin API version (exact match)

	// Capabilities declares which capability kinds the plugin registers.
	Capabilities []string `json:"capabilities"`

	// Builtin marks plugins shipped with the host. Only manifests carrying
	// this flag are accepted from the builtin source.
	Builtin bool `json:"builtin"`

	// Modules lists Lua modules the plugin wants. Advisory only.
	Modules []string `json:"modules"`

	// Compatibility bounds the host versions the plugin supports.
	Compatibility *Compatibility `json:"compatibility,omitempty"`

	// ConfigSchema declares plugin configuration options with defaults.
	ConfigSchema map[string]ConfigProperty `json:"configSchema,omitempty"`

	// Internal: path to the plugin directory
	path string
}

// Compatibility declares host version bounds. Versions are 3-component
// strings compared component-wise; missing trailing components are zero.
type Compatibility struct {
	MinHostVersion string `json:"minHostVersion,omitempty"`
	MaxHostVersion string `json:"maxHostVersion,omitempty"`
}

// ConfigProperty describes one plugin configuration option.
type ConfigProperty struct {
	Type        string `json:"type"`
	Default     any    `json:"default"`
	Description string `json:"description"`
}

// Validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must be alphanumeric with hyphens")
	ErrMissingVersion    = errors.New("manifest: version is required")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidMain       = errors.New("manifest: main must be a .lua file")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ManifestFileName is the manifest file co-located with the entry point.
const ManifestFileName = "plugin.json"

// LoadManifest loads and validates a plugin manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadManifestFromDir loads a manifest from a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFileName))
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = "init.lua"
	}
	if m.APIVersion == "" {
		m.APIVersion = APIVersion
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}

	if m.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}

	if m.Main != "" && filepath.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}

	for _, c := range m.Capabilities {
		if !capability.ValidKind(c) {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, c)
		}
	}

	return nil
}

// Path returns the path to the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// MainPath returns the full path to the main Lua file.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.path, m.Main)
}

// ConfigDefaults returns the declared default config values keyed by
// property name.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any)
	for key, prop := range m.ConfigSchema {
		if prop.Default != nil {
			defaults[key] = prop.Default
		}
	}
	return defaults
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
