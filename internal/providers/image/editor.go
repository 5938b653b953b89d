// Package image defines the Editor abstraction the runner edits images
// through, plus adapters binding each backend client to it.
package image

import (
	"context"
	stdimage "image"
)

// Editor names and invokes one image-editing backend.
type Editor interface {
	// Name returns the stable provider identifier (gemini, vertex, openai).
	Name() string
	// Model returns the model identifier the editor will invoke.
	Model() string
	// Available returns nil when the editor has everything it needs to
	// serve a request without a per-call key, or an error naming what is
	// missing.
	Available() error
	// SupportsMask reports whether the backend accepts a mask image.
	SupportsMask() bool
	// Edit performs one edit. Implementations honor ctx cancellation.
	Edit(ctx context.Context, req EditRequest) (stdimage.Image, error)
}

// EditRequest is a provider-neutral edit invocation.
type EditRequest struct {
	// Input is the encoded input image (PNG).
	Input []byte
	// Mask is an optional encoded binary mask; only mask-capable editors
	// receive one.
	Mask []byte
	// Prompt is the full prompt, already assembled by the caller.
	Prompt string
	// Model overrides the editor's default model when non-empty.
	Model string
	// Quality is a provider-specific rendering hint.
	Quality string
	// APIKey overrides the editor's configured key for this call only.
	APIKey string
}
