// Package planner generates extraction plans and prompt variations with a
// Gemini reasoning model. Plan JSON coming back from the model is validated
// against a schema before it is trusted.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"plateworks/internal/domain"
)

const planPrompt = `You are an expert at analyzing images for layer extraction and plate creation.

Analyze this background image and create a detailed step-by-step plan to extract layers and create plates.

CRITICAL RULES (must be in every plan):
1. No cropping, shifting, or zooming - preserve exact alignment
2. No new objects, people, animals, text, or logos
3. All extraction outputs MUST have solid white (#FFFFFF) background
4. Process layers from foreground to background

For each step, specify:
- Clear target description
- Precise extraction/removal prompt
- Validation thresholds (min_nonwhite, max_nonwhite for extractions; min_nonwhite for plates)

Common layer types:
- Foreground occluders (bushes, fences, poles, signs)
- Mid-ground elements (buildings, vehicles, trees)
- Background elements (sky, distant buildings)
- Ground/road surfaces

Return ONLY valid JSON matching this schema:
{
  "scene_summary": "brief description of the scene",
  "global_rules": ["rule 1", "rule 2"],
  "steps": [
    {
      "id": "s1",
      "name": "Extract foreground occluders",
      "type": "EXTRACT",
      "target": "what to extract",
      "prompt": "Detailed prompt for extraction with white background requirement",
      "validate": {"min_nonwhite": 0.01, "max_nonwhite": 0.35}
    },
    {
      "id": "s2",
      "name": "Create background plate",
      "type": "REMOVE",
      "target": "what to remove",
      "prompt": "Detailed prompt for removal/inpainting",
      "validate": {"min_nonwhite": 0.2}
    }
  ]
}

Typical workflow:
1. Extract foreground occluders (EXTRACT with white bg)
2. Create plate by removing occluders (REMOVE)
3. Extract mid-ground elements (EXTRACT with white bg)
4. Create deeper plate (REMOVE)
5. Continue as needed

Be specific in prompts about white backgrounds for extractions.`

const variationsPromptFmt = `Rewrite the following image-editing prompt %d different ways. Keep the exact same intent and constraints, vary only the phrasing. Preserve every mention of white backgrounds, alignment, and framing.

Prompt:
%s

Return ONLY a JSON array of %d strings.`

// Options controls how the planner is configured.
type Options struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Planner wraps a Gemini reasoning model for plan and variation generation.
type Planner struct {
	apiKey      string
	model       string
	temperature float32
}

// New constructs a planner with sane defaults.
func New(opts Options) *Planner {
	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash-exp"
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return &Planner{
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       model,
		temperature: temperature,
	}
}

// HasCredentials reports whether a key is configured on the planner itself.
func (p *Planner) HasCredentials() bool { return p.apiKey != "" }

// PlanRequest carries one plan-generation call. Model and APIKey override
// the planner's defaults when set.
type PlanRequest struct {
	Image  []byte
	Model  string
	APIKey string
}

// GeneratePlan analyzes the source image and returns a validated plan.
func (p *Planner) GeneratePlan(ctx context.Context, req PlanRequest) (*domain.Plan, error) {
	raw, err := p.generateJSON(ctx, req.Model, req.APIKey, []genai.Part{
		genai.Text(planPrompt),
		genai.ImageData("png", req.Image),
	})
	if err != nil {
		return nil, err
	}
	return ParsePlan([]byte(raw))
}

// GenerateVariations returns up to count distinct rewrites of the base
// prompt. The base prompt itself is not included in the result.
func (p *Planner) GenerateVariations(ctx context.Context, basePrompt string, count int, model, apiKey string) ([]string, error) {
	if count <= 0 {
		count = 3
	}
	prompt := fmt.Sprintf(variationsPromptFmt, count, basePrompt, count)
	raw, err := p.generateJSON(ctx, model, apiKey, []genai.Part{genai.Text(prompt)})
	if err != nil {
		return nil, err
	}

	var variations []string
	if err := json.Unmarshal([]byte(raw), &variations); err != nil {
		return nil, fmt.Errorf("planner: decode variations: %w", err)
	}
	out := make([]string, 0, len(variations))
	for _, v := range variations {
		v = strings.TrimSpace(v)
		if v != "" && v != basePrompt {
			out = append(out, v)
		}
	}
	return out, nil
}

func (p *Planner) generateJSON(ctx context.Context, modelName, apiKey string, parts []genai.Part) (string, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return "", fmt.Errorf("planner: api key is required")
	}
	if modelName == "" {
		modelName = p.model
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return "", fmt.Errorf("planner: create gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(modelName)
	model.SetTemperature(p.temperature)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("planner: generate content: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	return cleanJSONBlock(text), nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("planner: no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("planner: no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("planner: no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// cleanJSONBlock strips markdown code fences some models still emit even
// with a JSON response mime type.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
