package plugin

import (
	"context"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/dquist/codesage/internal/log"
	plua "github.com/dquist/codesage/internal/plugin/lua"
)

// Loader turns one descriptor into a runnable plugin instance.
//
// The entry point is executed at its exact filesystem location, never
// resolved by module name, so two installed plugins with the same internal
// naming cannot shadow each other.
type Loader struct {
	apiVersion string
	logger     *log.Logger
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// APIVersion is the host's plugin API version. Plugins must match it
	// exactly. Defaults to APIVersion.
	APIVersion string

	// Logger receives load events. Defaults to log.NullLogger.
	Logger *log.Logger
}

// NewLoader creates a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.APIVersion == "" {
		cfg.APIVersion = APIVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger
	}
	return &Loader{
		apiVersion: cfg.APIVersion,
		logger:     cfg.Logger.WithComponent("plugin.loader"),
	}
}

// Load resolves and executes the descriptor's entry point, validates the
// resulting plugin shape, and enforces exact API-version equality.
//
// On success the descriptor is marked loaded and its last error cleared. On
// any failure the descriptor records the error and no instance is returned;
// failures never propagate beyond the descriptor, so batch loaders simply
// move on to the next plugin.
func (ld *Loader) Load(ctx context.Context, desc *Descriptor) (*Instance, error) {
	if desc.Manifest == nil {
		return nil, ld.fail(desc, ErrNilManifest)
	}
	if !desc.Enabled {
		return nil, ld.fail(desc, ErrPluginDisabled)
	}

	entry := desc.Manifest.MainPath()
	if _, err := os.Stat(entry); err != nil {
		return nil, ld.fail(desc, fmt.Errorf("%w: %s", ErrNoEntryPoint, entry))
	}

	state := plua.NewState()
	exec := plua.NewExecutor(state, 0)
	li := &luaInstance{
		name:   desc.Name(),
		state:  state,
		exec:   exec,
		bridge: plua.NewBridge(state),
	}

	err := exec.Execute(ctx, func(*lua.LState) error {
		return state.DoFile(entry)
	})
	if err != nil {
		exec.Close()
		return nil, ld.fail(desc, fmt.Errorf("entry point failed: %w", err))
	}

	var inst *Instance
	err = exec.Execute(ctx, func(L *lua.LState) error {
		decoded, decodeErr := li.decodeInstance(L)
		if decodeErr != nil {
			return decodeErr
		}
		inst = decoded
		return nil
	})
	if err != nil {
		exec.Close()
		return nil, ld.fail(desc, err)
	}

	if inst.APIVersion != ld.apiVersion {
		exec.Close()
		return nil, ld.fail(desc, fmt.Errorf(
			"%w: plugin targets api %s, host provides %s",
			ErrAPIVersionMismatch, inst.APIVersion, ld.apiVersion))
	}

	desc.Loaded = true
	desc.LastError = ""
	ld.logger.Debug("loaded plugin %q from %s", desc.Name(), entry)
	return inst, nil
}

// fail records a load failure on the descriptor.
func (ld *Loader) fail(desc *Descriptor, err error) error {
	desc.Loaded = false
	desc.LastError = err.Error()
	ld.logger.Warn("plugin %q failed to load: %v", desc.Name(), err)
	return err
}
