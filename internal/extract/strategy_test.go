package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dquist/codesage/internal/capability"
)

type fakeSource struct {
	extractors []capability.Extractor
}

func (f *fakeSource) ExtractorsFor(ext string) []capability.Extractor {
	var out []capability.Extractor
	for _, e := range f.extractors {
		for _, x := range e.Extensions {
			if x == ext {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func namedExtractor(name string, priority int, exts []string, fn func(context.Context, string, string) (*capability.ExtractResult, error)) capability.Extractor {
	if fn == nil {
		fn = func(context.Context, string, string) (*capability.ExtractResult, error) {
			return &capability.ExtractResult{Metadata: map[string]any{"by": name}}, nil
		}
	}
	return capability.Extractor{Name: name, Extensions: exts, Priority: priority, Extract: fn}
}

func TestCandidatesOrdering(t *testing.T) {
	source := &fakeSource{extractors: []capability.Extractor{
		namedExtractor("zeta", 5, []string{".ts"}, nil),
		namedExtractor("alpha", 5, []string{".ts"}, nil),
		namedExtractor("omega", 10, []string{".ts"}, nil),
		namedExtractor("other", 99, []string{".go"}, nil),
	}}
	d := NewDispatcher(source, nil)

	got := d.Candidates("src/app.ts")
	want := []string{"omega", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Candidates() returned %d extractors, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("Candidates()[%d] = %q, want %q", i, got[i].Name, name)
		}
	}
}

func TestExtractPicksHighestPriority(t *testing.T) {
	source := &fakeSource{extractors: []capability.Extractor{
		namedExtractor("low", 1, []string{".ts"}, nil),
		namedExtractor("high", 9, []string{".ts"}, nil),
	}}
	d := NewDispatcher(source, nil)

	res, err := d.Extract(context.Background(), "code", "a.ts")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Metadata["by"] != "high" {
		t.Errorf("extracted by %v, want %q", res.Metadata["by"], "high")
	}
}

func TestExtractFallsBackOnFailure(t *testing.T) {
	failing := namedExtractor("broken", 9, []string{".ts"},
		func(context.Context, string, string) (*capability.ExtractResult, error) {
			return nil, errors.New("parser crashed")
		})
	source := &fakeSource{extractors: []capability.Extractor{
		failing,
		namedExtractor("backup", 1, []string{".ts"}, nil),
	}}
	d := NewDispatcher(source, nil)

	res, err := d.Extract(context.Background(), "code", "a.ts")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Metadata["by"] != "backup" {
		t.Errorf("extracted by %v, want fallback %q", res.Metadata["by"], "backup")
	}
}

func TestExtractNoExtractor(t *testing.T) {
	d := NewDispatcher(nil, nil)
	res, err := d.Extract(context.Background(), "code", "a.xyz")
	if err != nil {
		t.Fatalf("Extract() error = %v, want nil for unhandled extension", err)
	}
	if res != nil {
		t.Errorf("Extract() = %+v, want nil for unhandled extension", res)
	}
}

func TestNilSourceUsesBuiltins(t *testing.T) {
	d := NewDispatcher(nil, nil)

	res, err := d.Extract(context.Background(), "first paragraph\n\nsecond paragraph", "notes.txt")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(res.Blocks))
	}
	if res.Blocks[0].Content != "first paragraph" || res.Blocks[0].StartLine != 1 {
		t.Errorf("unexpected first block: %+v", res.Blocks[0])
	}
	if res.Blocks[1].Content != "second paragraph" || res.Blocks[1].StartLine != 3 {
		t.Errorf("unexpected second block: %+v", res.Blocks[1])
	}
}

func TestPluginOutranksBuiltin(t *testing.T) {
	source := &fakeSource{extractors: []capability.Extractor{
		namedExtractor("markdown-plus", 5, []string{".md"}, nil),
	}}
	d := NewDispatcher(source, nil)

	res, err := d.Extract(context.Background(), "# heading", "README.md")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Metadata["by"] != "markdown-plus" {
		t.Errorf("extracted by %v, want plugin extractor", res.Metadata["by"])
	}
}

func TestPlainTextBlockCap(t *testing.T) {
	code := strings.Repeat("line\n", 300)
	res, err := extractPlainText(context.Background(), code, "big.txt")
	if err != nil {
		t.Fatal(err)
	}
	for i, block := range res.Blocks {
		if block.EndLine-block.StartLine+1 > maxBlockLines {
			t.Errorf("block %d spans %d lines, want at most %d", i, block.EndLine-block.StartLine+1, maxBlockLines)
		}
	}
	if len(res.Blocks) < 3 {
		t.Errorf("got %d blocks from 300 lines, want splitting at the cap", len(res.Blocks))
	}
}
