package plugin

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dquist/codesage/internal/capability"
	plua "github.com/dquist/codesage/internal/plugin/lua"
)

// Hook is a plugin lifecycle function (initialize, activate, deactivate).
type Hook func(ctx context.Context, ec *ExecutionContext) error

// Instance is a runnable plugin produced by the Loader. It is a tagged
// bundle over the three capability kinds plus optional lifecycle hooks;
// absent hooks and methods are nil.
type Instance struct {
	Name       string
	Version    string
	APIVersion string

	Extractors []capability.Extractor
	Providers  []capability.Provider
	Commands   []capability.Command

	Initialize Hook
	Activate   Hook
	Deactivate Hook

	// RequestedModules returns the modules the plugin has asked for so far.
	// Nil for instances without a module system.
	RequestedModules func() []string

	closeFn func()
}

// Close releases the plugin's runtime resources.
func (in *Instance) Close() {
	if in.closeFn != nil {
		in.closeFn()
	}
}

// luaInstance holds the Lua runtime backing an Instance and builds the
// Go-side adapters around the plugin's Lua functions. All VM access is
// serialized through the executor; a caller that stops waiting abandons the
// call without cancelling it.
type luaInstance struct {
	name   string
	state  *plua.State
	exec   *plua.Executor
	bridge *plua.Bridge

	// ctxTable is the Lua view of the ExecutionContext, built on first hook
	// invocation on the executor goroutine.
	ctxTable *lua.LTable
}

// decodeInstance validates the plugin's global shape and builds a typed
// Instance. Must run on the executor goroutine.
func (li *luaInstance) decodeInstance(L *lua.LState) (*Instance, error) {
	name, ok := L.GetGlobal("name").(lua.LString)
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: global 'name' must be a string", ErrInvalidShape)
	}
	version, ok := L.GetGlobal("version").(lua.LString)
	if !ok || version == "" {
		return nil, fmt.Errorf("%w: global 'version' must be a string", ErrInvalidShape)
	}
	apiVersion, ok := L.GetGlobal("api_version").(lua.LString)
	if !ok || apiVersion == "" {
		return nil, fmt.Errorf("%w: global 'api_version' must be a string", ErrInvalidShape)
	}

	inst := &Instance{
		Name:             string(name),
		Version:          string(version),
		APIVersion:       string(apiVersion),
		RequestedModules: li.state.RequestedModules,
		closeFn:          li.exec.Close,
	}

	if tbl, ok := L.GetGlobal("extractors").(*lua.LTable); ok {
		var decodeErr error
		tbl.ForEach(func(_, v lua.LValue) {
			item, ok := v.(*lua.LTable)
			if !ok || decodeErr != nil {
				return
			}
			ext, err := li.decodeExtractor(item)
			if err != nil {
				decodeErr = err
				return
			}
			inst.Extractors = append(inst.Extractors, ext)
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
	}

	if tbl, ok := L.GetGlobal("providers").(*lua.LTable); ok {
		var decodeErr error
		tbl.ForEach(func(_, v lua.LValue) {
			item, ok := v.(*lua.LTable)
			if !ok || decodeErr != nil {
				return
			}
			prov, err := li.decodeProvider(item)
			if err != nil {
				decodeErr = err
				return
			}
			inst.Providers = append(inst.Providers, prov)
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
	}

	if tbl, ok := L.GetGlobal("commands").(*lua.LTable); ok {
		var decodeErr error
		tbl.ForEach(func(_, v lua.LValue) {
			item, ok := v.(*lua.LTable)
			if !ok || decodeErr != nil {
				return
			}
			cmd, err := li.decodeCommand(item)
			if err != nil {
				decodeErr = err
				return
			}
			inst.Commands = append(inst.Commands, cmd)
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
	}

	inst.Initialize = li.decodeHook(L, "initialize")
	inst.Activate = li.decodeHook(L, "activate")
	inst.Deactivate = li.decodeHook(L, "deactivate")

	if len(inst.Extractors) == 0 && len(inst.Providers) == 0 && len(inst.Commands) == 0 &&
		inst.Initialize == nil && inst.Activate == nil {
		return nil, fmt.Errorf(
			"%w: plugin must declare extractors, providers, commands, or a lifecycle hook",
			ErrInvalidShape)
	}

	return inst, nil
}

// decodeHook adapts an optional global Lua function into a Hook.
func (li *luaInstance) decodeHook(L *lua.LState, name string) Hook {
	fn, ok := L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil
	}
	return func(ctx context.Context, ec *ExecutionContext) error {
		return li.exec.Execute(ctx, func(L *lua.LState) error {
			_, err := li.bridge.CallFunc(fn, li.contextTable(L, ec))
			if err != nil {
				return fmt.Errorf("plugin %s: %s: %w", li.name, name, err)
			}
			return nil
		})
	}
}

// decodeExtractor adapts a Lua extractor table into a capability.Extractor.
func (li *luaInstance) decodeExtractor(tbl *lua.LTable) (capability.Extractor, error) {
	name, ok := li.bridge.GetTableString(tbl, "name")
	if !ok {
		return capability.Extractor{}, fmt.Errorf("%w: extractor missing 'name'", ErrInvalidShape)
	}
	extensions := li.bridge.GetTableStrings(tbl, "extensions")
	if len(extensions) == 0 {
		return capability.Extractor{}, fmt.Errorf("%w: extractor %q missing 'extensions'", ErrInvalidShape, name)
	}
	fn, ok := li.bridge.GetTableFunc(tbl, "extract")
	if !ok {
		return capability.Extractor{}, fmt.Errorf("%w: extractor %q missing 'extract'", ErrInvalidShape, name)
	}
	priority, _ := li.bridge.GetTableInt(tbl, "priority")

	return capability.Extractor{
		Name:       name,
		Extensions: extensions,
		Priority:   priority,
		Extract: func(ctx context.Context, code, filePath string) (*capability.ExtractResult, error) {
			var res *capability.ExtractResult
			err := li.exec.Execute(ctx, func(*lua.LState) error {
				out, err := li.bridge.CallFunc(fn, code, filePath)
				if err != nil {
					return err
				}
				res = decodeExtractResult(out)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("plugin %s: extractor %s: %w", li.name, name, err)
			}
			return res, nil
		},
	}, nil
}

// decodeExtractResult maps a Lua extract() return value onto the host shape.
func decodeExtractResult(out []any) *capability.ExtractResult {
	res := &capability.ExtractResult{}
	if len(out) == 0 {
		return res
	}
	m, ok := out[0].(map[string]any)
	if !ok {
		return res
	}

	if meta, ok := m["metadata"].(map[string]any); ok {
		res.Metadata = meta
	}
	blocks, ok := m["blocks"].([]any)
	if !ok {
		return res
	}
	for _, raw := range blocks {
		bm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		block := capability.Block{}
		if s, ok := bm["content"].(string); ok {
			block.Content = s
		}
		if n, ok := bm["start_line"].(int64); ok {
			block.StartLine = int(n)
		}
		if n, ok := bm["end_line"].(int64); ok {
			block.EndLine = int(n)
		}
		if s, ok := bm["kind"].(string); ok {
			block.Kind = s
		}
		if meta, ok := bm["metadata"].(map[string]any); ok {
			block.Metadata = meta
		}
		res.Blocks = append(res.Blocks, block)
	}
	return res
}

// decodeProvider adapts a Lua provider table into a capability.Provider.
// Only the methods the table declares become non-nil fields.
func (li *luaInstance) decodeProvider(tbl *lua.LTable) (capability.Provider, error) {
	name, ok := li.bridge.GetTableString(tbl, "name")
	if !ok {
		return capability.Provider{}, fmt.Errorf("%w: provider missing 'name'", ErrInvalidShape)
	}
	ptype, ok := li.bridge.GetTableString(tbl, "type")
	if !ok || (ptype != string(capability.ProviderEmbedding) && ptype != string(capability.ProviderLLM)) {
		return capability.Provider{}, fmt.Errorf(
			"%w: provider %q type must be %q or %q",
			ErrInvalidShape, name, capability.ProviderEmbedding, capability.ProviderLLM)
	}

	prov := capability.Provider{
		Name: name,
		Type: capability.ProviderType(ptype),
	}

	if fn, ok := li.bridge.GetTableFunc(tbl, "generate_embedding"); ok {
		prov.GenerateEmbedding = func(ctx context.Context, text string) ([]float64, error) {
			var vec []float64
			err := li.exec.Execute(ctx, func(*lua.LState) error {
				out, err := li.bridge.CallFunc(fn, text)
				if err != nil {
					return err
				}
				vec = decodeFloats(out)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("plugin %s: provider %s: generate_embedding: %w", li.name, name, err)
			}
			return vec, nil
		}
	}

	if fn, ok := li.bridge.GetTableFunc(tbl, "generate_embeddings_batch"); ok {
		prov.GenerateEmbeddingsBatch = func(ctx context.Context, texts []string) ([][]float64, error) {
			var vecs [][]float64
			err := li.exec.Execute(ctx, func(*lua.LState) error {
				out, err := li.bridge.CallFunc(fn, texts)
				if err != nil {
					return err
				}
				if len(out) > 0 {
					if rows, ok := out[0].([]any); ok {
						for _, row := range rows {
							if cells, ok := row.([]any); ok {
								vecs = append(vecs, floatsFromAny(cells))
							}
						}
					}
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("plugin %s: provider %s: generate_embeddings_batch: %w", li.name, name, err)
			}
			return vecs, nil
		}
	}

	prov.Summarize = li.stringMethod(tbl, name, "summarize")
	prov.GenerateResponse = li.stringMethod(tbl, name, "generate_response")
	prov.GenerateBestQuestion = li.stringMethod(tbl, name, "generate_best_question")

	return prov, nil
}

// stringMethod adapts an optional string-returning provider method.
func (li *luaInstance) stringMethod(tbl *lua.LTable, provider, method string) func(context.Context, string) (string, error) {
	fn, ok := li.bridge.GetTableFunc(tbl, method)
	if !ok {
		return nil
	}
	return func(ctx context.Context, input string) (string, error) {
		var result string
		err := li.exec.Execute(ctx, func(*lua.LState) error {
			out, err := li.bridge.CallFunc(fn, input)
			if err != nil {
				return err
			}
			if len(out) > 0 {
				if s, ok := out[0].(string); ok {
					result = s
				}
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("plugin %s: provider %s: %s: %w", li.name, provider, method, err)
		}
		return result, nil
	}
}

// decodeCommand adapts a Lua command table into a capability.Command.
func (li *luaInstance) decodeCommand(tbl *lua.LTable) (capability.Command, error) {
	name, ok := li.bridge.GetTableString(tbl, "name")
	if !ok {
		return capability.Command{}, fmt.Errorf("%w: command missing 'name'", ErrInvalidShape)
	}
	fn, ok := li.bridge.GetTableFunc(tbl, "execute")
	if !ok {
		return capability.Command{}, fmt.Errorf("%w: command %q missing 'execute'", ErrInvalidShape, name)
	}

	return capability.Command{
		Name: name,
		Execute: func(ctx context.Context, args []string, opts map[string]any) (any, error) {
			var result any
			err := li.exec.Execute(ctx, func(*lua.LState) error {
				out, err := li.bridge.CallFunc(fn, args, opts)
				if err != nil {
					return err
				}
				if len(out) > 0 {
					result = out[0]
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("plugin %s: command %s: %w", li.name, name, err)
			}
			return result, nil
		},
	}, nil
}

// decodeFloats extracts a numeric vector from a Lua call result.
func decodeFloats(out []any) []float64 {
	if len(out) == 0 {
		return nil
	}
	cells, ok := out[0].([]any)
	if !ok {
		return nil
	}
	return floatsFromAny(cells)
}

func floatsFromAny(cells []any) []float64 {
	vec := make([]float64, 0, len(cells))
	for _, cell := range cells {
		switch n := cell.(type) {
		case float64:
			vec = append(vec, n)
		case int64:
			vec = append(vec, float64(n))
		}
	}
	return vec
}

// contextTable builds (once) the Lua view of the execution context: plugin
// metadata, the config snapshot, logging, tracing, and the three
// registration callbacks. Must run on the executor goroutine.
func (li *luaInstance) contextTable(L *lua.LState, ec *ExecutionContext) *lua.LTable {
	if li.ctxTable != nil {
		return li.ctxTable
	}

	t := L.NewTable()
	t.RawSetString("plugin", lua.LString(ec.PluginName()))
	t.RawSetString("config", li.bridge.ToLuaValue(ec.Config().Map()))

	t.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		switch level {
		case "debug":
			ec.Logger().Debug("%s", msg)
		case "warn":
			ec.Logger().Warn("%s", msg)
		case "error":
			ec.Logger().Error("%s", msg)
		default:
			ec.Logger().Info("%s", msg)
		}
		return 0
	}))

	t.RawSetString("trace", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		var fields map[string]any
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			fields, _ = li.bridge.ToGoValue(tbl).(map[string]any)
		}
		ec.Trace(event, fields)
		return 0
	}))

	t.RawSetString("register_extractor", L.NewFunction(func(L *lua.LState) int {
		ext, err := li.decodeExtractor(L.CheckTable(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		ec.RegisterExtractor(ext)
		return 0
	}))

	t.RawSetString("register_provider", L.NewFunction(func(L *lua.LState) int {
		prov, err := li.decodeProvider(L.CheckTable(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		ec.RegisterProvider(prov)
		return 0
	}))

	t.RawSetString("register_command", L.NewFunction(func(L *lua.LState) int {
		cmd, err := li.decodeCommand(L.CheckTable(1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		ec.RegisterCommand(cmd)
		return 0
	}))

	li.ctxTable = t
	return t
}
