package image

import (
	"context"
	"fmt"
	stdimage "image"

	"plateworks/internal/providers/openai"
)

// OpenAIEditor adapts the OpenAI client to the Editor interface.
type OpenAIEditor struct {
	client *openai.Client
}

// NewOpenAIEditor wraps a configured OpenAI client.
func NewOpenAIEditor(client *openai.Client) *OpenAIEditor {
	return &OpenAIEditor{client: client}
}

func (e *OpenAIEditor) Name() string  { return "openai" }
func (e *OpenAIEditor) Model() string { return e.client.Model() }

func (e *OpenAIEditor) Available() error {
	if !e.client.HasCredentials() {
		return fmt.Errorf("openai: no api key configured")
	}
	return nil
}

func (e *OpenAIEditor) SupportsMask() bool { return false }

func (e *OpenAIEditor) Edit(ctx context.Context, req EditRequest) (stdimage.Image, error) {
	return e.client.EditImage(ctx, openai.EditRequest{
		Input:   req.Input,
		Prompt:  req.Prompt,
		Model:   req.Model,
		Quality: req.Quality,
		APIKey:  req.APIKey,
	})
}
