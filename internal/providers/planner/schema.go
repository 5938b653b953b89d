package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"plateworks/internal/domain"
)

// planSchema is the contract the model's JSON must satisfy. It is kept
// permissive about extra fields so prompt updates do not break parsing.
const planSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "scene_summary": {"type": "string"},
    "global_rules": {"type": "array", "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["prompt"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "type": {"type": "string"},
          "target": {"type": "string"},
          "prompt": {"type": "string", "minLength": 1},
          "validate": {
            "type": "object",
            "additionalProperties": {"type": "number"}
          }
        }
      }
    }
  }
}`

var compiledPlanSchema = gojsonschema.NewStringLoader(planSchema)

type rawPlan struct {
	SceneSummary string    `json:"scene_summary"`
	GlobalRules  []string  `json:"global_rules"`
	Steps        []rawStep `json:"steps"`
}

type rawStep struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Type     string             `json:"type"`
	Target   string             `json:"target"`
	Prompt   string             `json:"prompt"`
	Validate map[string]float64 `json:"validate"`
}

// ParsePlan validates raw model output against the plan schema and converts
// it into a domain plan. Unknown step types degrade to EXTRACT and missing
// ids are filled in positionally, matching how hand-written plans behave.
func ParsePlan(raw []byte) (*domain.Plan, error) {
	result, err := gojsonschema.Validate(compiledPlanSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("planner: validate plan json: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Errorf("planner: plan json rejected: %s", strings.Join(issues, "; "))
	}

	var parsed rawPlan
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("planner: decode plan json: %w", err)
	}

	plan := &domain.Plan{
		SceneSummary: parsed.SceneSummary,
		GlobalRules:  parsed.GlobalRules,
	}
	for i, rs := range parsed.Steps {
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("s%d", i+1)
		}
		name := rs.Name
		if name == "" {
			name = "Unnamed step"
		}
		plan.Steps = append(plan.Steps, domain.PlanStep{
			ID:              id,
			Name:            name,
			Type:            stepType(rs.Type),
			Target:          rs.Target,
			Prompt:          rs.Prompt,
			ValidationRules: rs.Validate,
		})
	}
	return plan, nil
}

func stepType(raw string) domain.StepType {
	switch t := domain.StepType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case domain.StepTypeAnalyze, domain.StepTypeExtract, domain.StepTypeRemove,
		domain.StepTypeBGRemove, domain.StepTypeReframe, domain.StepTypeEdit,
		domain.StepTypeUpscale:
		return t
	default:
		return domain.StepTypeExtract
	}
}
