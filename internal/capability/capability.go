// Package capability defines the three extensible behaviors a plugin may
// register with the host: file extractors, embedding/LLM providers, and
// commands.
//
// Capabilities are records whose methods are plain function fields. A plugin
// implements only the methods it supports; absent methods are nil. This keeps
// wrapping shape-preserving: a decorator copies the record and replaces only
// the functions that are present.
package capability

import "context"

// Kind identifies a capability category.
type Kind string

// Capability kinds.
const (
	KindExtractor Kind = "extractors"
	KindProvider  Kind = "providers"
	KindCommand   Kind = "commands"
)

// ValidKind reports whether s names a known capability kind.
func ValidKind(s string) bool {
	switch Kind(s) {
	case KindExtractor, KindProvider, KindCommand:
		return true
	}
	return false
}

// Block is one extracted unit of a source file. The shape is defined by
// extractor implementations and opaque to the plugin core.
type Block struct {
	Content   string         `json:"content"`
	StartLine int            `json:"startLine"`
	EndLine   int            `json:"endLine"`
	Kind      string         `json:"kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExtractResult is the outcome of running an extractor over a file.
type ExtractResult struct {
	Blocks   []Block        `json:"blocks"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Extractor splits files of particular extensions into blocks.
type Extractor struct {
	// Name identifies the extractor (unique per plugin).
	Name string

	// Extensions are the file extensions this extractor handles (".ts", ".go").
	Extensions []string

	// Priority orders competing extractors; higher wins. Zero if undeclared.
	Priority int

	// Extract splits code into blocks. Required.
	Extract func(ctx context.Context, code, filePath string) (*ExtractResult, error)
}

// ProviderType discriminates provider categories.
type ProviderType string

// Provider types.
const (
	ProviderEmbedding ProviderType = "embedding"
	ProviderLLM       ProviderType = "llm"
)

// Provider supplies embedding or LLM operations. A provider implements a
// subset of the method fields; unimplemented ones are nil.
type Provider struct {
	Name string
	Type ProviderType

	GenerateEmbedding       func(ctx context.Context, text string) ([]float64, error)
	GenerateEmbeddingsBatch func(ctx context.Context, texts []string) ([][]float64, error)
	Summarize               func(ctx context.Context, text string) (string, error)
	GenerateResponse        func(ctx context.Context, prompt string) (string, error)
	GenerateBestQuestion    func(ctx context.Context, contextText string) (string, error)
}

// Command is a named host command contributed by a plugin.
type Command struct {
	Name string

	// Execute runs the command. Required.
	Execute func(ctx context.Context, args []string, opts map[string]any) (any, error)
}
