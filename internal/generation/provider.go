// Package generation turns both partners' weekly input into ritual
// proposals through an external text generation service, guarded so a
// cycle's proposals are written at most once.
package generation

import "context"

// Kind distinguishes a full proposal batch from a single swap replacement.
type Kind int

// Prompt kinds.
const (
	KindBatch Kind = iota
	KindSingle
)

// Prompt is a rendered request. Text is what remote models see; the
// structured fields let local providers honor the same constraints.
type Prompt struct {
	Kind    Kind
	Text    string
	Schema  string
	Count   int
	Exclude []string
}

// Usage tracks the tokens consumed by a request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
}

// Response contains the generated text and token usage.
type Response struct {
	Content string
	Usage   Usage
}

// Provider generates raw JSON text for a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (Response, error)
}

// Closer is implemented by providers holding network clients.
type Closer interface {
	Close() error
}
