package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/dquist/codesage/internal/capability"
	"github.com/dquist/codesage/internal/config"
	"github.com/dquist/codesage/internal/log"
)

// DefaultTimeout bounds a sandboxed plugin call when no timeout is
// configured.
const DefaultTimeout = 30 * time.Second

// TimeoutError is returned when a sandboxed plugin call does not complete
// within the configured timeout. It is distinguishable from application
// errors the plugin itself surfaces.
type TimeoutError struct {
	Plugin  string
	Kind    capability.Kind
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %s: %s %s timed out after %s", e.Plugin, e.Kind, e.Method, e.Timeout)
}

// Sandbox wraps plugin lifecycle hooks and capability methods in
// timeout-bounded execution envelopes.
//
// This is not an isolation boundary. The envelope only bounds the caller's
// wait: when the timer wins, the underlying call is NOT cancelled and keeps
// running on the plugin's executor goroutine, so side effects under timeout
// are at-least-once. Module allow-listing is advisory (computed and logged,
// never enforced) and memory limits are observational.
type Sandbox struct {
	timeout        time.Duration
	maxMemory      string
	allowedModules map[string]bool
	logger         *log.Logger
	mem            *MemTracker
}

// NewSandbox creates a Sandbox from configuration and takes the initial
// memory snapshot.
func NewSandbox(cfg config.SandboxConfig, logger *log.Logger) *Sandbox {
	if logger == nil {
		logger = log.NullLogger
	}
	timeout := DefaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	allowed := make(map[string]bool, len(cfg.AllowedModules))
	for _, m := range cfg.AllowedModules {
		allowed[m] = true
	}
	return &Sandbox{
		timeout:        timeout,
		maxMemory:      cfg.MaxMemory,
		allowedModules: allowed,
		logger:         logger.WithComponent("plugin.sandbox"),
		mem:            NewMemTracker(),
	}
}

// Timeout returns the configured envelope timeout.
func (s *Sandbox) Timeout() time.Duration {
	return s.timeout
}

// Memory returns the sandbox-session memory tracker.
func (s *Sandbox) Memory() *MemTracker {
	return s.mem
}

// CheckMemory compares the session heap delta against the configured
// advisory limit. It never aborts anything; callers may log the result.
func (s *Sandbox) CheckMemory() (exceeded bool, err error) {
	if s.maxMemory == "" {
		return false, nil
	}
	return s.mem.CheckLimit(s.maxMemory)
}

// ReportDisallowed computes the module names a plugin wants that fall
// outside the allow-list and logs them. Advisory only: nothing is blocked.
func (s *Sandbox) ReportDisallowed(pluginName string, wants []string) []string {
	if len(s.allowedModules) == 0 {
		return nil
	}
	var disallowed []string
	for _, m := range wants {
		if !s.allowedModules[m] {
			disallowed = append(disallowed, m)
		}
	}
	if len(disallowed) > 0 {
		s.logger.Warn("plugin %q wants modules outside the allow-list: %v", pluginName, disallowed)
	}
	return disallowed
}

// Wrap returns a new Instance sharing all fields with in, with every present
// lifecycle hook and capability method replaced by a timeout-wrapped
// adapter. Absent methods stay absent; wrapping is shape-preserving.
func (s *Sandbox) Wrap(in *Instance) *Instance {
	out := *in

	out.Initialize = s.wrapHook(in.Name, "initialize", in.Initialize)
	out.Activate = s.wrapHook(in.Name, "activate", in.Activate)
	out.Deactivate = s.wrapHook(in.Name, "deactivate", in.Deactivate)

	out.Extractors = make([]capability.Extractor, len(in.Extractors))
	for i, ext := range in.Extractors {
		out.Extractors[i] = s.WrapExtractor(in.Name, ext)
	}
	out.Providers = make([]capability.Provider, len(in.Providers))
	for i, prov := range in.Providers {
		out.Providers[i] = s.WrapProvider(in.Name, prov)
	}
	out.Commands = make([]capability.Command, len(in.Commands))
	for i, cmd := range in.Commands {
		out.Commands[i] = s.WrapCommand(in.Name, cmd)
	}

	return &out
}

// wrapHook wraps a lifecycle hook if present.
func (s *Sandbox) wrapHook(plugin, method string, h Hook) Hook {
	if h == nil {
		return nil
	}
	terr := &TimeoutError{Plugin: plugin, Kind: "lifecycle", Method: method, Timeout: s.timeout}
	return func(ctx context.Context, ec *ExecutionContext) error {
		_, err := race(ctx, s.timeout, terr, func() (struct{}, error) {
			return struct{}{}, h(ctx, ec)
		})
		return err
	}
}

// WrapExtractor wraps an extractor's extract method in a timeout envelope.
func (s *Sandbox) WrapExtractor(plugin string, ext capability.Extractor) capability.Extractor {
	if ext.Extract == nil {
		return ext
	}
	inner := ext.Extract
	terr := &TimeoutError{Plugin: plugin, Kind: capability.KindExtractor, Method: "extract", Timeout: s.timeout}
	ext.Extract = func(ctx context.Context, code, filePath string) (*capability.ExtractResult, error) {
		return race(ctx, s.timeout, terr, func() (*capability.ExtractResult, error) {
			return inner(ctx, code, filePath)
		})
	}
	return ext
}

// WrapProvider wraps each present provider method in a timeout envelope.
func (s *Sandbox) WrapProvider(plugin string, prov capability.Provider) capability.Provider {
	timeoutErr := func(method string) *TimeoutError {
		return &TimeoutError{Plugin: plugin, Kind: capability.KindProvider, Method: method, Timeout: s.timeout}
	}

	if inner := prov.GenerateEmbedding; inner != nil {
		terr := timeoutErr("generateEmbedding")
		prov.GenerateEmbedding = func(ctx context.Context, text string) ([]float64, error) {
			return race(ctx, s.timeout, terr, func() ([]float64, error) {
				return inner(ctx, text)
			})
		}
	}
	if inner := prov.GenerateEmbeddingsBatch; inner != nil {
		terr := timeoutErr("generateEmbeddingsBatch")
		prov.GenerateEmbeddingsBatch = func(ctx context.Context, texts []string) ([][]float64, error) {
			return race(ctx, s.timeout, terr, func() ([][]float64, error) {
				return inner(ctx, texts)
			})
		}
	}
	if inner := prov.Summarize; inner != nil {
		terr := timeoutErr("summarize")
		prov.Summarize = func(ctx context.Context, text string) (string, error) {
			return race(ctx, s.timeout, terr, func() (string, error) {
				return inner(ctx, text)
			})
		}
	}
	if inner := prov.GenerateResponse; inner != nil {
		terr := timeoutErr("generateResponse")
		prov.GenerateResponse = func(ctx context.Context, prompt string) (string, error) {
			return race(ctx, s.timeout, terr, func() (string, error) {
				return inner(ctx, prompt)
			})
		}
	}
	if inner := prov.GenerateBestQuestion; inner != nil {
		terr := timeoutErr("generateBestQuestion")
		prov.GenerateBestQuestion = func(ctx context.Context, contextText string) (string, error) {
			return race(ctx, s.timeout, terr, func() (string, error) {
				return inner(ctx, contextText)
			})
		}
	}

	return prov
}

// WrapCommand wraps a command's execute method in a timeout envelope.
func (s *Sandbox) WrapCommand(plugin string, cmd capability.Command) capability.Command {
	if cmd.Execute == nil {
		return cmd
	}
	inner := cmd.Execute
	terr := &TimeoutError{Plugin: plugin, Kind: capability.KindCommand, Method: "execute", Timeout: s.timeout}
	cmd.Execute = func(ctx context.Context, args []string, opts map[string]any) (any, error) {
		return race(ctx, s.timeout, terr, func() (any, error) {
			return inner(ctx, args, opts)
		})
	}
	return cmd
}

// race runs fn against a timer. If the timer fires first the caller gets
// terr back immediately; fn is abandoned, not cancelled, and its eventual
// result is discarded.
func race[T any](ctx context.Context, timeout time.Duration, terr *TimeoutError, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-ch:
		return out.val, out.err
	case <-timer.C:
		return zero, terr
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
