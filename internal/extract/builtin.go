package extract

import (
	"context"
	"strings"

	"github.com/dquist/codesage/internal/capability"
)

// maxBlockLines caps the size of one plain-text block.
const maxBlockLines = 120

// Builtins returns the host's built-in extractors. They carry priority zero
// so any plugin extractor that declares a priority outranks them.
func Builtins() []capability.Extractor {
	return []capability.Extractor{
		{
			Name:       "plain-text",
			Extensions: []string{".txt", ".md", ".rst"},
			Priority:   0,
			Extract:    extractPlainText,
		},
	}
}

// extractPlainText splits a file into paragraph-ish blocks: runs of
// non-blank lines, each capped at maxBlockLines.
func extractPlainText(_ context.Context, code, _ string) (*capability.ExtractResult, error) {
	lines := strings.Split(code, "\n")
	res := &capability.ExtractResult{}

	start := -1
	flush := func(end int) {
		if start == -1 {
			return
		}
		res.Blocks = append(res.Blocks, capability.Block{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
			Kind:      "text",
		})
		start = -1
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			continue
		}
		if start == -1 {
			start = i
		} else if i-start >= maxBlockLines {
			flush(i)
			start = i
		}
	}
	flush(len(lines))

	return res, nil
}
