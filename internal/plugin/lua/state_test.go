package lua

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestStateSafeLibraries(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	err := exec.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`x = string.upper("hi") .. tostring(math.floor(2.9))`)
	})
	if err != nil {
		t.Fatalf("safe library call failed: %v", err)
	}

	err = exec.Execute(context.Background(), func(L *lua.LState) error {
		if L.GetGlobal("x").String() != "HI2" {
			t.Errorf("x = %q, want %q", L.GetGlobal("x").String(), "HI2")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestStateEscapeHatchesRemoved(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		err := exec.Execute(context.Background(), func(L *lua.LState) error {
			if L.GetGlobal(name) != lua.LNil {
				t.Errorf("%s should be nil", name)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
}

func TestRequireWhitelist(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	err := exec.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`local str = require("string")`)
	})
	if err != nil {
		t.Fatalf("require(string) failed: %v", err)
	}

	err = exec.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`require("io")`)
	})
	if err == nil {
		t.Error("require(io) should fail")
	}

	requested := s.RequestedModules()
	if len(requested) != 2 || requested[0] != "string" || requested[1] != "io" {
		t.Errorf("RequestedModules() = %v, want [string io]", requested)
	}
}

func TestRequireNeverReturnsNil(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	// Every allowed module must resolve to a real table; anything else,
	// including stdlib modules the state never opens, must raise rather
	// than hand the plugin a nil.
	for name := range safeModules {
		err := exec.Execute(context.Background(), func(L *lua.LState) error {
			return L.DoString(`if require("` + name + `") == nil then error("nil module") end`)
		})
		if err != nil {
			t.Errorf("require(%s) failed: %v", name, err)
		}
	}

	for _, name := range []string{"bit32", "utf8", "os", "debug"} {
		err := exec.Execute(context.Background(), func(L *lua.LState) error {
			return L.DoString(`require("` + name + `")`)
		})
		if err == nil {
			t.Errorf("require(%s) succeeded, want error for unavailable module", name)
		}
	}
}

func TestDoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "init.lua")
	if err := os.WriteFile(path, []byte(`answer = 42`), 0644); err != nil {
		t.Fatalf("Failed to write lua file: %v", err)
	}

	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	err := exec.Execute(context.Background(), func(*lua.LState) error {
		return s.DoFile(path)
	})
	if err != nil {
		t.Fatalf("DoFile() error = %v", err)
	}

	err = exec.Execute(context.Background(), func(L *lua.LState) error {
		if n, ok := L.GetGlobal("answer").(lua.LNumber); !ok || int(n) != 42 {
			t.Errorf("answer = %v, want 42", L.GetGlobal("answer"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecutorAbandonsOnContextCancel(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, func(*lua.LState) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if err != context.DeadlineExceeded {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestExecutorCloseDoesNotStrandCallers(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 4)

	// Race a batch of enqueues against Close. A call that slips into the
	// queue as the worker exits must still get an answer instead of
	// leaving its caller blocked forever.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.Execute(context.Background(), func(*lua.LState) error { return nil })
		}()
	}
	exec.Close()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute blocked after Close")
	}
}

func TestExecutorClosed(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	exec.Close()

	err := exec.Execute(context.Background(), func(*lua.LState) error { return nil })
	if err != ErrExecutorClosed {
		t.Errorf("Execute() after Close error = %v, want ErrExecutorClosed", err)
	}
	if !exec.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s)

	lv := b.ToLuaValue(map[string]any{
		"name":  "demo",
		"count": 3,
		"tags":  []string{"a", "b"},
	})
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		t.Fatalf("ToLuaValue returned %T, want *lua.LTable", lv)
	}

	if name, _ := b.GetTableString(tbl, "name"); name != "demo" {
		t.Errorf("name = %q, want %q", name, "demo")
	}
	if count, _ := b.GetTableInt(tbl, "count"); count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if tags := b.GetTableStrings(tbl, "tags"); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %v, want [a b]", tags)
	}

	back := b.ToGoValue(lv)
	m, ok := back.(map[string]any)
	if !ok {
		t.Fatalf("ToGoValue returned %T, want map", back)
	}
	if m["name"] != "demo" {
		t.Errorf("round-trip name = %v", m["name"])
	}
}

func TestBridgeCallFunc(t *testing.T) {
	s := NewState()
	exec := NewExecutor(s, 0)
	defer exec.Close()
	b := NewBridge(s)

	err := exec.Execute(context.Background(), func(L *lua.LState) error {
		return L.DoString(`function add(a, b) return a + b end`)
	})
	if err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	err = exec.Execute(context.Background(), func(L *lua.LState) error {
		fn, ok := L.GetGlobal("add").(*lua.LFunction)
		if !ok {
			t.Fatal("add is not a function")
		}
		results, err := b.CallFunc(fn, 2, 3)
		if err != nil {
			return err
		}
		if len(results) != 1 || results[0] != int64(5) {
			t.Errorf("CallFunc results = %v, want [5]", results)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}
