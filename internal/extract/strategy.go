// Package extract selects and runs code-block extractors. The dispatcher
// merges plugin-contributed extractors with the builtin set and picks the
// best match for a file's extension.
package extract

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dquist/codesage/internal/capability"
	"github.com/dquist/codesage/internal/log"
)

// ExtractorSource supplies registered extractors. Satisfied by
// plugin.Registry; nil means builtins only.
type ExtractorSource interface {
	ExtractorsFor(ext string) []capability.Extractor
}

// Dispatcher routes extraction requests to the highest-priority extractor
// registered for a file's extension, falling back to the builtin set.
type Dispatcher struct {
	source   ExtractorSource
	builtins []capability.Extractor
	logger   *log.Logger
}

// NewDispatcher creates a Dispatcher. source may be nil.
func NewDispatcher(source ExtractorSource, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NullLogger
	}
	return &Dispatcher{
		source:   source,
		builtins: Builtins(),
		logger:   logger.WithComponent("extract"),
	}
}

// Candidates returns every extractor able to handle the file, ordered by
// priority descending with name as the tie-break.
func (d *Dispatcher) Candidates(filePath string) []capability.Extractor {
	ext := normalizeExt(filepath.Ext(filePath))

	var candidates []capability.Extractor
	if d.source != nil {
		candidates = append(candidates, d.source.ExtractorsFor(ext)...)
	}
	for _, b := range d.builtins {
		for _, e := range b.Extensions {
			if normalizeExt(e) == ext {
				candidates = append(candidates, b)
				break
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// Extract runs the best extractor for the file. When the winner fails, the
// next candidate is tried; the last error is returned if all fail. A nil
// result with nil error means no extractor handles the extension and the
// caller should treat the file as one opaque block.
func (d *Dispatcher) Extract(ctx context.Context, code, filePath string) (*capability.ExtractResult, error) {
	candidates := d.Candidates(filePath)
	if len(candidates) == 0 {
		d.logger.Debug("no extractor for %s", filepath.Ext(filePath))
		return nil, nil
	}

	var lastErr error
	for _, candidate := range candidates {
		res, err := candidate.Extract(ctx, code, filePath)
		if err == nil {
			return res, nil
		}
		lastErr = err
		d.logger.Warn("extractor %q failed on %s: %v", candidate.Name, filePath, err)
	}
	return nil, lastErr
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
