package plugin

import (
	"github.com/dquist/codesage/internal/capability"
	"github.com/dquist/codesage/internal/config"
	"github.com/dquist/codesage/internal/log"
)

// ExecutionContext is the per-plugin capability-injection surface: a
// configuration snapshot, a namespaced logger, the shared trace sink, and
// three registration callbacks that close over the Registry's internal maps.
// The Registry builds one context per loaded plugin and hands it to every
// lifecycle hook.
type ExecutionContext struct {
	pluginName string
	snapshot   *config.Snapshot
	logger     *log.Logger
	trace      *TraceSink

	registerExtractor func(capability.Extractor)
	registerProvider  func(capability.Provider)
	registerCommand   func(capability.Command)
}

// PluginName returns the owning plugin's name.
func (ec *ExecutionContext) PluginName() string {
	return ec.pluginName
}

// Config returns the configuration snapshot. The snapshot carries host
// configuration plus the plugin's declared defaults under "plugin.<key>".
func (ec *ExecutionContext) Config() *config.Snapshot {
	return ec.snapshot
}

// Logger returns the plugin's namespaced logger.
func (ec *ExecutionContext) Logger() *log.Logger {
	return ec.logger
}

// Trace records a debug event in the shared sink.
func (ec *ExecutionContext) Trace(event string, fields map[string]any) {
	if ec.trace != nil {
		ec.trace.Record(ec.pluginName, event, fields)
	}
}

// RegisterExtractor registers an extractor owned by this plugin.
func (ec *ExecutionContext) RegisterExtractor(ext capability.Extractor) {
	if ec.registerExtractor != nil {
		ec.registerExtractor(ext)
	}
}

// RegisterProvider registers a provider owned by this plugin.
func (ec *ExecutionContext) RegisterProvider(prov capability.Provider) {
	if ec.registerProvider != nil {
		ec.registerProvider(prov)
	}
}

// RegisterCommand registers a command owned by this plugin.
func (ec *ExecutionContext) RegisterCommand(cmd capability.Command) {
	if ec.registerCommand != nil {
		ec.registerCommand(cmd)
	}
}
