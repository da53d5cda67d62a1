package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dquist/codesage/internal/config"
	"github.com/dquist/codesage/internal/log"
)

const fixturePlugin = `
name = "fixture"
version = "1.0.0"
api_version = "1.0.0"

extractors = {
	{
		name = "lines",
		extensions = { ".txt" },
		priority = 5,
		extract = function(code, path)
			return {
				blocks = {
					{ content = code, start_line = 1, end_line = 3, kind = "text" },
				},
				metadata = { path = path },
			}
		end,
	},
}

providers = {
	{
		name = "echo",
		type = "llm",
		summarize = function(text)
			return "sum:" .. text
		end,
	},
}

commands = {
	{
		name = "ping",
		execute = function(args, opts)
			return "pong"
		end,
	},
}
`

func fixtureDescriptor(t *testing.T, luaBody string) *Descriptor {
	t.Helper()
	dir := writePluginDir(t, t.TempDir(), "fixture",
		manifestJSON("fixture", "1.0.0", `"apiVersion": "1.0.0"`), luaBody)
	m, err := LoadManifestFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return &Descriptor{Manifest: m, Origin: OriginLocal, InstallPath: dir, Enabled: true}
}

func TestLoaderLoadsPlugin(t *testing.T) {
	desc := fixtureDescriptor(t, fixturePlugin)
	ld := NewLoader(LoaderConfig{APIVersion: "1.0.0"})

	inst, err := ld.Load(context.Background(), desc)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer inst.Close()

	if inst.Name != "fixture" || inst.Version != "1.0.0" {
		t.Errorf("instance identity = %s/%s, want fixture/1.0.0", inst.Name, inst.Version)
	}
	if !desc.Loaded {
		t.Error("descriptor not marked loaded")
	}
	if got := desc.Status(); got != "loaded" {
		t.Errorf("Status() = %q, want %q", got, "loaded")
	}

	if len(inst.Extractors) != 1 {
		t.Fatalf("got %d extractors, want 1", len(inst.Extractors))
	}
	ext := inst.Extractors[0]
	if ext.Priority != 5 {
		t.Errorf("Priority = %d, want 5", ext.Priority)
	}
	res, err := ext.Extract(context.Background(), "line one", "a.txt")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(res.Blocks))
	}
	block := res.Blocks[0]
	if block.Content != "line one" || block.StartLine != 1 || block.EndLine != 3 || block.Kind != "text" {
		t.Errorf("unexpected block: %+v", block)
	}
	if res.Metadata["path"] != "a.txt" {
		t.Errorf("Metadata[path] = %v, want %q", res.Metadata["path"], "a.txt")
	}

	if len(inst.Providers) != 1 {
		t.Fatalf("got %d providers, want 1", len(inst.Providers))
	}
	prov := inst.Providers[0]
	if prov.Summarize == nil {
		t.Fatal("Summarize is nil, want implemented")
	}
	if prov.GenerateEmbedding != nil || prov.GenerateResponse != nil {
		t.Error("undeclared provider methods are non-nil, want nil")
	}
	sum, err := prov.Summarize(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if sum != "sum:abc" {
		t.Errorf("Summarize() = %q, want %q", sum, "sum:abc")
	}

	if len(inst.Commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(inst.Commands))
	}
	out, err := inst.Commands[0].Execute(context.Background(), []string{"x"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "pong" {
		t.Errorf("Execute() = %v, want %q", out, "pong")
	}
}

func TestLoaderMissingEntryPoint(t *testing.T) {
	desc := fixtureDescriptor(t, "")
	ld := NewLoader(LoaderConfig{})

	_, err := ld.Load(context.Background(), desc)
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Fatalf("Load() error = %v, want ErrNoEntryPoint", err)
	}
	if desc.Loaded {
		t.Error("descriptor marked loaded after failure")
	}
	if desc.LastError == "" {
		t.Error("LastError empty, want recorded failure")
	}
	if got := desc.Status(); got != "error" {
		t.Errorf("Status() = %q, want %q", got, "error")
	}
}

func TestLoaderAPIVersionMismatch(t *testing.T) {
	desc := fixtureDescriptor(t, `
name = "fixture"
version = "1.0.0"
api_version = "2.0.0"
commands = { { name = "noop", execute = function() end } }
`)
	ld := NewLoader(LoaderConfig{APIVersion: "1.0.0"})

	_, err := ld.Load(context.Background(), desc)
	if !errors.Is(err, ErrAPIVersionMismatch) {
		t.Fatalf("Load() error = %v, want ErrAPIVersionMismatch", err)
	}
	if !strings.Contains(err.Error(), "2.0.0") || !strings.Contains(err.Error(), "1.0.0") {
		t.Errorf("error %q should name both versions", err)
	}
}

func TestLoaderInvalidShape(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing identity",
			body: `commands = { { name = "noop", execute = function() end } }`,
		},
		{
			name: "no capabilities or hooks",
			body: `
name = "fixture"
version = "1.0.0"
api_version = "1.0.0"
`,
		},
		{
			name: "extractor without extensions",
			body: `
name = "fixture"
version = "1.0.0"
api_version = "1.0.0"
extractors = { { name = "bad", extract = function() end } }
`,
		},
		{
			name: "provider with unknown type",
			body: `
name = "fixture"
version = "1.0.0"
api_version = "1.0.0"
providers = { { name = "bad", type = "oracle" } }
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := fixtureDescriptor(t, tt.body)
			_, err := NewLoader(LoaderConfig{}).Load(context.Background(), desc)
			if !errors.Is(err, ErrInvalidShape) {
				t.Errorf("Load() error = %v, want ErrInvalidShape", err)
			}
		})
	}
}

func TestLoaderEntryPointError(t *testing.T) {
	desc := fixtureDescriptor(t, `error("boom at startup")`)
	_, err := NewLoader(LoaderConfig{}).Load(context.Background(), desc)
	if err == nil {
		t.Fatal("Load() expected error from failing entry point")
	}
	if !strings.Contains(desc.LastError, "boom") {
		t.Errorf("LastError = %q, want the plugin's failure message", desc.LastError)
	}
}

func TestLoaderDisabledDescriptor(t *testing.T) {
	desc := fixtureDescriptor(t, fixturePlugin)
	desc.Enabled = false

	_, err := NewLoader(LoaderConfig{}).Load(context.Background(), desc)
	if !errors.Is(err, ErrPluginDisabled) {
		t.Errorf("Load() error = %v, want ErrPluginDisabled", err)
	}
}

func TestLoaderLifecycleHooks(t *testing.T) {
	desc := fixtureDescriptor(t, `
name = "fixture"
version = "1.0.0"
api_version = "1.0.0"

initialized = false

function initialize(ctx)
	initialized = true
end

function activate(ctx)
	if not initialized then
		error("activated before initialize")
	end
end
`)

	inst, err := NewLoader(LoaderConfig{}).Load(context.Background(), desc)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer inst.Close()

	if inst.Initialize == nil || inst.Activate == nil {
		t.Fatal("lifecycle hooks not decoded")
	}
	if inst.Deactivate != nil {
		t.Error("Deactivate non-nil, want nil for undeclared hook")
	}

	snapshot, err := config.NewSnapshot(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	ec := &ExecutionContext{pluginName: "fixture", snapshot: snapshot, logger: log.NullLogger}
	if err := inst.Initialize(context.Background(), ec); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := inst.Activate(context.Background(), ec); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
}
