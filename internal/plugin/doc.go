// Package plugin implements Codesage's Lua plugin subsystem: discovery of
// plugin directories across builtin, user-local, and packaged sources,
// manifest parsing and host-compatibility gating, sandboxed loading of
// plugin entry points into per-plugin Lua states, and a registry that owns
// plugin lifecycle and capability lookup.
//
// Plugins contribute three capability kinds: extractors (code-block
// extraction keyed by file extension), providers (embedding and LLM
// backends), and commands. Each loaded plugin runs on its own Lua state
// behind a serializing executor; when sandboxing is enabled every hook and
// capability method is wrapped in a timeout envelope.
package plugin
