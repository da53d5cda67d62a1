package plugin

import "errors"

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin's entry point file is missing.
	ErrNoEntryPoint = errors.New("plugin entry point not found")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrAlreadyLoaded is returned when loading an already loaded plugin.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrNotLoaded is returned when using an unloaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrPluginDisabled is returned when loading a disabled plugin.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrAPIVersionMismatch is returned when a plugin targets a different
	// plugin API version than the host.
	ErrAPIVersionMismatch = errors.New("plugin api version mismatch")

	// ErrInvalidShape is returned when a loaded entry point does not expose
	// the required plugin structure.
	ErrInvalidShape = errors.New("invalid plugin shape")
)
