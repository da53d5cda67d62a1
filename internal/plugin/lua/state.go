// Package lua embeds the gopher-lua runtime that executes plugin entry
// points and capability methods.
//
// Each plugin owns one State. gopher-lua's LState is not goroutine-safe, so
// all VM access is serialized through the plugin's Executor; the State itself
// only constructs the VM and installs the restricted environment.
package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeModules are the Lua standard modules plugins may require. The set
// must stay in sync with the libraries NewState actually opens.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// State wraps a sandboxed Lua state for one plugin.
type State struct {
	L      *lua.LState
	closed bool

	// requested records every module name the plugin passed to require(),
	// whether or not the call succeeded. Advisory allow-listing reads this.
	requested []string
}

// NewState creates a new Lua state with only the safe libraries opened and a
// whitelist-based require installed.
func NewState() *State {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	s := &State{L: L}

	// Base plus the safe stdlib subset. io, os, debug, and package loading
	// from disk stay closed.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	s.install()

	return s
}

// install removes escape hatches and replaces require with a whitelisted
// version that records every requested module name.
func (s *State) install() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		s.requested = append(s.requested, modName)

		if !safeModules[modName] {
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		mod := L.GetGlobal(modName)
		if mod == lua.LNil {
			L.RaiseError("module %q is not available", modName)
			return 0
		}
		L.Push(mod)
		return 1
	}))
}

// DoFile executes a Lua file at its exact filesystem path.
// Callers must route this through the plugin's Executor.
func (s *State) DoFile(path string) error {
	if s.closed {
		return ErrStateClosed
	}
	if err := s.L.DoFile(path); err != nil {
		return fmt.Errorf("executing %s: %w", path, err)
	}
	return nil
}

// GetGlobal returns a global value from the state.
func (s *State) GetGlobal(name string) lua.LValue {
	return s.L.GetGlobal(name)
}

// RequestedModules returns every module name the plugin has required so far.
func (s *State) RequestedModules() []string {
	out := make([]string, len(s.requested))
	copy(out, s.requested)
	return out
}

// Close releases the Lua state.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
