package image

import (
	"context"
	"fmt"
	stdimage "image"

	"plateworks/internal/providers/genai"
)

// GeminiEditor adapts the Gemini client to the Editor interface. It is the
// only editor that accepts masks.
type GeminiEditor struct {
	client *genai.Client
}

// NewGeminiEditor wraps a configured Gemini client.
func NewGeminiEditor(client *genai.Client) *GeminiEditor {
	return &GeminiEditor{client: client}
}

func (e *GeminiEditor) Name() string  { return "gemini" }
func (e *GeminiEditor) Model() string { return e.client.Model() }

func (e *GeminiEditor) Available() error {
	if !e.client.HasCredentials() {
		return fmt.Errorf("gemini: no api key configured")
	}
	return nil
}

func (e *GeminiEditor) SupportsMask() bool { return true }

func (e *GeminiEditor) Edit(ctx context.Context, req EditRequest) (stdimage.Image, error) {
	return e.client.EditImage(ctx, genai.EditRequest{
		Input:  req.Input,
		Mask:   req.Mask,
		Prompt: req.Prompt,
		Model:  req.Model,
		APIKey: req.APIKey,
	})
}
