package image

import (
	"context"
	"fmt"
	stdimage "image"

	"plateworks/internal/providers/vertex"
)

// VertexEditor adapts the Vertex Imagen client to the Editor interface.
// Vertex authenticates with project-scoped tokens, so per-call API keys
// are not honored here.
type VertexEditor struct {
	client *vertex.Client
}

// NewVertexEditor wraps a configured Vertex client.
func NewVertexEditor(client *vertex.Client) *VertexEditor {
	return &VertexEditor{client: client}
}

func (e *VertexEditor) Name() string  { return "vertex" }
func (e *VertexEditor) Model() string { return e.client.Model() }

func (e *VertexEditor) Available() error {
	if !e.client.HasCredentials() {
		return fmt.Errorf("vertex: no project id configured")
	}
	return nil
}

func (e *VertexEditor) SupportsMask() bool { return false }

func (e *VertexEditor) Edit(ctx context.Context, req EditRequest) (stdimage.Image, error) {
	return e.client.EditImage(ctx, vertex.EditRequest{
		Input:  req.Input,
		Prompt: req.Prompt,
		Model:  req.Model,
	})
}
