package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dquist/codesage/internal/capability"
	"github.com/dquist/codesage/internal/config"
	"github.com/dquist/codesage/internal/log"
)

// LoadedPlugin pairs a descriptor with its running instance and execution
// context. Owned exclusively by the Registry; at most one exists per plugin
// name.
type LoadedPlugin struct {
	Descriptor *Descriptor
	Instance   *Instance
	Context    *ExecutionContext
}

// Options controls one LoadAll batch.
type Options struct {
	// Enabled globally enables loading; when false LoadAll is a no-op.
	Enabled bool

	// DisabledNames are plugin names skipped during this batch.
	DisabledNames []string

	// Sandboxed wraps every loaded instance in timeout envelopes.
	Sandboxed bool
}

// EventType is the type of registry event.
type EventType int

// Registry events.
const (
	EventLoaded EventType = iota
	EventUnloaded
	EventActivated
	EventDeactivated
	EventError
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a registry lifecycle notification.
type Event struct {
	Type   EventType
	Plugin string
	Err    error
}

// EventHandler handles registry events. Handlers must not call back into the
// Registry; panics are recovered.
type EventHandler func(Event)

// Registry is the single stateful owner of plugin lifecycle and capability
// lookup. It drives Discovery, the Loader, and the Sandbox, builds each
// plugin's execution context, and answers capability queries for the host.
//
// LoadAll must not be invoked concurrently on the same Registry: a single
// in-flight batch load at a time is a caller invariant, not enforced here.
// The capability maps are protected for the registration callbacks that fire
// while hooks run, and all query methods return copies.
type Registry struct {
	mu sync.RWMutex

	discovery *Discovery
	loader    *Loader
	sandbox   *Sandbox
	logger    *log.Logger
	trace     *TraceSink
	hostCfg   *config.Config

	plugins     map[string]*LoadedPlugin
	loadOrder   []string
	descriptors []*Descriptor

	extractors map[string]ownedExtractor
	providers  map[string]ownedProvider
	commands   map[string]ownedCommand

	handlers []EventHandler

	// opts remembers the last LoadAll options for reloads.
	opts Options
}

type ownedExtractor struct {
	owner string
	ext   capability.Extractor
}

type ownedProvider struct {
	owner string
	prov  capability.Provider
}

type ownedCommand struct {
	owner string
	cmd   capability.Command
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// HostConfig supplies plugin directories, sandbox settings, and the
	// configuration snapshot handed to plugins. Defaults to config.Default().
	HostConfig *config.Config

	// HostVersion overrides the compiled-in host version (tests).
	HostVersion string

	// APIVersion overrides the compiled-in plugin API version (tests).
	APIVersion string

	// Logger receives registry events. Defaults to log.NullLogger.
	Logger *log.Logger
}

// NewRegistry creates a Registry. The result is meant to be constructed once
// near process startup and injected into consumers; there is no hidden
// process-wide instance.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HostConfig == nil {
		cfg.HostConfig = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger
	}

	pc := cfg.HostConfig.Plugins
	return &Registry{
		discovery: NewDiscovery(DiscoveryConfig{
			BuiltinDir:    pc.BuiltinDir,
			LocalDir:      pc.LocalDir,
			PackagedRoots: pc.PackagedRoots,
			HostVersion:   cfg.HostVersion,
			Logger:        cfg.Logger,
		}),
		loader: NewLoader(LoaderConfig{
			APIVersion: cfg.APIVersion,
			Logger:     cfg.Logger,
		}),
		sandbox:    NewSandbox(pc.Sandbox, cfg.Logger),
		logger:     cfg.Logger.WithComponent("plugin.registry"),
		trace:      NewTraceSink(0),
		hostCfg:    cfg.HostConfig,
		plugins:    make(map[string]*LoadedPlugin),
		extractors: make(map[string]ownedExtractor),
		providers:  make(map[string]ownedProvider),
		commands:   make(map[string]ownedCommand),
	}
}

// Sandbox returns the registry's sandbox for memory inspection.
func (r *Registry) Sandbox() *Sandbox {
	return r.sandbox
}

// Trace returns the shared trace sink.
func (r *Registry) Trace() *TraceSink {
	return r.trace
}

// LoadAll discovers and loads every eligible plugin.
//
// Each descriptor is processed independently: a failure is recorded on the
// descriptor and the batch continues. Activation is deliberately deferred to
// a second pass so a plugin's activate hook can assume every other plugin's
// capabilities are already registered.
func (r *Registry) LoadAll(ctx context.Context, opts Options) error {
	if !opts.Enabled {
		r.logger.Debug("plugin loading disabled, skipping")
		return nil
	}
	r.opts = opts

	descriptors := r.discovery.Discover()
	r.mu.Lock()
	r.descriptors = descriptors
	r.mu.Unlock()

	disabled := make(map[string]bool, len(opts.DisabledNames))
	for _, name := range opts.DisabledNames {
		disabled[name] = true
	}

	var batch []string
	for _, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := desc.Name()
		if disabled[name] {
			r.logger.Info("plugin %q skipped: disabled by configuration", name)
			continue
		}
		if !desc.Enabled {
			r.logger.Info("plugin %q skipped: %s", name, desc.IncompatibilityReason)
			continue
		}
		if _, exists := r.Plugin(name); exists {
			r.logger.Warn("plugin %q already loaded, skipping", name)
			continue
		}

		if err := r.loadOne(ctx, desc, opts.Sandboxed); err != nil {
			r.emit(Event{Type: EventError, Plugin: name, Err: err})
			continue
		}
		batch = append(batch, name)
		r.emit(Event{Type: EventLoaded, Plugin: name})
	}

	// Second pass: every plugin initialized before any activates.
	for _, name := range batch {
		r.activate(ctx, name)
	}

	return nil
}

// loadOne loads a single descriptor, registers its declared capabilities,
// and runs its initialize hook. Hook failures are logged, not fatal.
func (r *Registry) loadOne(ctx context.Context, desc *Descriptor, sandboxed bool) error {
	name := desc.Name()

	inst, err := r.loader.Load(ctx, desc)
	if err != nil {
		return err
	}

	if sandboxed {
		r.sandbox.ReportDisallowed(name, desc.Manifest.Modules)
		inst = r.sandbox.Wrap(inst)
	}

	ec, err := r.buildContext(name, desc.Manifest, sandboxed)
	if err != nil {
		inst.Close()
		desc.Loaded = false
		desc.LastError = err.Error()
		return err
	}

	r.mu.Lock()
	r.plugins[name] = &LoadedPlugin{Descriptor: desc, Instance: inst, Context: ec}
	r.loadOrder = append(r.loadOrder, name)
	r.mu.Unlock()

	// Declared capability lists are registered on the plugin's behalf;
	// hooks may register more through the context callbacks.
	for _, ext := range inst.Extractors {
		r.registerExtractor(name, ext)
	}
	for _, prov := range inst.Providers {
		r.registerProvider(name, prov)
	}
	for _, cmd := range inst.Commands {
		r.registerCommand(name, cmd)
	}

	if inst.Initialize != nil {
		if err := inst.Initialize(ctx, ec); err != nil {
			r.logger.Error("plugin %q: initialize failed: %v", name, err)
			r.emit(Event{Type: EventError, Plugin: name, Err: err})
		}
	}

	return nil
}

// activate runs a loaded plugin's activate hook, if present.
func (r *Registry) activate(ctx context.Context, name string) {
	lp, ok := r.Plugin(name)
	if !ok {
		return
	}
	if lp.Instance.Activate != nil {
		if err := lp.Instance.Activate(ctx, lp.Context); err != nil {
			r.logger.Error("plugin %q: activate failed: %v", name, err)
			r.emit(Event{Type: EventError, Plugin: name, Err: err})
			return
		}
	}
	r.emit(Event{Type: EventActivated, Plugin: name})
}

// buildContext assembles the per-plugin execution context: host config
// snapshot with the plugin's declared defaults layered under "plugin.",
// a namespaced logger, the shared trace sink, and registration callbacks
// closing over the registry's maps.
func (r *Registry) buildContext(name string, manifest *Manifest, sandboxed bool) (*ExecutionContext, error) {
	snapshot, err := config.NewSnapshot(r.hostCfg)
	if err != nil {
		return nil, err
	}
	defaults := make(map[string]any)
	for key, value := range manifest.ConfigDefaults() {
		defaults["plugin."+key] = value
	}
	if len(defaults) > 0 {
		snapshot, err = snapshot.WithValues(defaults)
		if err != nil {
			return nil, err
		}
	}

	return &ExecutionContext{
		pluginName: name,
		snapshot:   snapshot,
		logger:     r.logger.WithComponent("plugin." + name),
		trace:      r.trace,
		registerExtractor: func(ext capability.Extractor) {
			if sandboxed {
				ext = r.sandbox.WrapExtractor(name, ext)
			}
			r.registerExtractor(name, ext)
		},
		registerProvider: func(prov capability.Provider) {
			if sandboxed {
				prov = r.sandbox.WrapProvider(name, prov)
			}
			r.registerProvider(name, prov)
		},
		registerCommand: func(cmd capability.Command) {
			if sandboxed {
				cmd = r.sandbox.WrapCommand(name, cmd)
			}
			r.registerCommand(name, cmd)
		},
	}, nil
}

// extractorKey is the composite registration key: extractor name plus its
// declared extension set.
func extractorKey(ext capability.Extractor) string {
	return ext.Name + "[" + strings.Join(ext.Extensions, ",") + "]"
}

// registerExtractor inserts an extractor; a later registration for the same
// key silently replaces the earlier one.
func (r *Registry) registerExtractor(owner string, ext capability.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[extractorKey(ext)] = ownedExtractor{owner: owner, ext: ext}
}

func (r *Registry) registerProvider(owner string, prov capability.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[string(prov.Type)+"/"+prov.Name] = ownedProvider{owner: owner, prov: prov}
}

func (r *Registry) registerCommand(owner string, cmd capability.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = ownedCommand{owner: owner, cmd: cmd}
}

// Extractors returns all registered extractors, sorted by name.
func (r *Registry) Extractors() []capability.Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]capability.Extractor, 0, len(r.extractors))
	for _, entry := range r.extractors {
		out = append(out, entry.ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExtractorsFor returns extractors whose extension set contains ext.
func (r *Registry) ExtractorsFor(ext string) []capability.Extractor {
	ext = NormalizeExtension(ext)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []capability.Extractor
	for _, entry := range r.extractors {
		for _, e := range entry.ext.Extensions {
			if NormalizeExtension(e) == ext {
				out = append(out, entry.ext)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NormalizeExtension lower-cases an extension and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Providers returns all registered providers, sorted by type then name.
func (r *Registry) Providers() []capability.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]capability.Provider, 0, len(r.providers))
	for _, entry := range r.providers {
		out = append(out, entry.prov)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ProvidersByType returns providers of the given type, sorted by name.
func (r *Registry) ProvidersByType(t capability.ProviderType) []capability.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []capability.Provider
	for _, entry := range r.providers {
		if entry.prov.Type == t {
			out = append(out, entry.prov)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Provider fetches one provider by name, optionally scoped to a type.
func (r *Registry) Provider(name string, ptype ...capability.ProviderType) (capability.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.providers {
		if entry.prov.Name != name {
			continue
		}
		if len(ptype) > 0 && entry.prov.Type != ptype[0] {
			continue
		}
		return entry.prov, true
	}
	return capability.Provider{}, false
}

// Command fetches one command by name.
func (r *Registry) Command(name string) (capability.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.commands[name]
	return entry.cmd, ok
}

// Plugin fetches one loaded plugin's record by name.
func (r *Registry) Plugin(name string) (*LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lp, ok := r.plugins[name]
	return lp, ok
}

// Descriptors returns the most recent discovery snapshot, including
// disabled, incompatible, and errored plugins.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// UnloadPlugin deactivates and removes one plugin. Returns false if the
// name was never loaded. A deactivation failure is logged but does not
// prevent removal: state consistency wins over strict ordering.
func (r *Registry) UnloadPlugin(name string) bool {
	r.mu.RLock()
	lp, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if lp.Instance.Deactivate != nil {
		if err := lp.Instance.Deactivate(context.Background(), lp.Context); err != nil {
			r.logger.Error("plugin %q: deactivate failed: %v", name, err)
			r.emit(Event{Type: EventError, Plugin: name, Err: err})
		} else {
			r.emit(Event{Type: EventDeactivated, Plugin: name})
		}
	}

	r.mu.Lock()
	delete(r.plugins, name)
	for i, n := range r.loadOrder {
		if n == name {
			r.loadOrder = append(r.loadOrder[:i], r.loadOrder[i+1:]...)
			break
		}
	}
	for key, entry := range r.extractors {
		if entry.owner == name {
			delete(r.extractors, key)
		}
	}
	for key, entry := range r.providers {
		if entry.owner == name {
			delete(r.providers, key)
		}
	}
	for key, entry := range r.commands {
		if entry.owner == name {
			delete(r.commands, key)
		}
	}
	r.mu.Unlock()

	lp.Instance.Close()
	lp.Descriptor.Loaded = false

	r.emit(Event{Type: EventUnloaded, Plugin: name})
	return true
}

// ReloadPlugin unloads a plugin, re-runs discovery, and loads it again with
// the options from the last LoadAll.
func (r *Registry) ReloadPlugin(ctx context.Context, name string) error {
	r.UnloadPlugin(name)

	descriptors := r.discovery.Discover()
	r.mu.Lock()
	r.descriptors = descriptors
	r.mu.Unlock()

	var desc *Descriptor
	for _, d := range descriptors {
		if d.Name() == name {
			desc = d
			break
		}
	}
	if desc == nil {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if !desc.Enabled {
		return fmt.Errorf("%w: %s: %s", ErrPluginDisabled, name, desc.IncompatibilityReason)
	}

	if err := r.loadOne(ctx, desc, r.opts.Sandboxed); err != nil {
		return err
	}
	r.emit(Event{Type: EventLoaded, Plugin: name})
	r.activate(ctx, name)
	return nil
}

// Shutdown unloads every loaded plugin. Each unload is independent and
// failure-isolated; order is not guaranteed to callers.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	names := make([]string, len(r.loadOrder))
	for i, name := range r.loadOrder {
		names[len(r.loadOrder)-1-i] = name
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.UnloadPlugin(name)
	}
}

// Subscribe adds an event handler and returns an unsubscribe function.
func (r *Registry) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, handler)
	index := len(r.handlers) - 1
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if index < len(r.handlers) {
			r.handlers[index] = nil
		}
	}
}

// emit sends an event to all handlers with panic recovery.
func (r *Registry) emit(event Event) {
	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				_ = recover()
			}()
			handler(event)
		}()
	}
}
