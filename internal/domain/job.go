package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusIdle    JobStatus = "IDLE"
	JobStatusPlanned JobStatus = "PLANNED"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusPaused  JobStatus = "PAUSED"
	JobStatusDone    JobStatus = "DONE"
	JobStatusFailed  JobStatus = "FAILED"
)

// Metadata keys used across the pipeline.
const (
	MetaImageConfig   = "image_config"
	MetaImageAPIKey   = "image_api_key"
	MetaFalAPIKey     = "fal_api_key"
	MetaUpscaleConfig = "upscale_config"
	MetaLatestPlate   = "latest_plate_asset_id"
)

// Job is the aggregate root for one end-to-end editing task over a single
// source image. Steps are ordered by index; assets are keyed by id.
type Job struct {
	ID            string            `json:"id"`
	Status        JobStatus         `json:"status"`
	SourceAssetID string            `json:"source_asset_id,omitempty"`
	Plan          *Plan             `json:"plan,omitempty"`
	Steps         []*Step           `json:"steps"`
	Assets        map[string]*Asset `json:"assets"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewJob constructs an empty job in the IDLE state.
func NewJob(id string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Status:    JobStatusIdle,
		Steps:     []*Step{},
		Assets:    map[string]*Asset{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StepByID returns the step with the given id, or nil.
func (j *Job) StepByID(stepID string) *Step {
	for _, s := range j.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// MetaString returns a string metadata value, or "" when absent.
func (j *Job) MetaString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SetMeta stores a metadata value, allocating the map when needed.
func (j *Job) SetMeta(key string, value any) {
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.Metadata[key] = value
}

// ImageConfig holds provider/model selection and quality overrides. It lives
// either on a step or under the job's image_config metadata key.
type ImageConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Quality  string `json:"quality,omitempty"`
	FalModel string `json:"fal_model,omitempty"`
	Factor   int    `json:"factor,omitempty"`
}

// ImageConfigMeta decodes the job-level image_config metadata entry. A missing
// or malformed entry yields the zero config.
func (j *Job) ImageConfigMeta() ImageConfig {
	return decodeConfig(j.Metadata, MetaImageConfig)
}

// UpscaleConfigMeta decodes the job-level upscale_config metadata entry.
func (j *Job) UpscaleConfigMeta() ImageConfig {
	return decodeConfig(j.Metadata, MetaUpscaleConfig)
}

func decodeConfig(meta map[string]any, key string) ImageConfig {
	var cfg ImageConfig
	if meta == nil {
		return cfg
	}
	raw, ok := meta[key]
	if !ok {
		return cfg
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return cfg
	}
	// Older payloads name the fal model "upscale_model"; honor both keys.
	aux := struct {
		ImageConfig
		UpscaleModel string `json:"upscale_model"`
	}{}
	if err := json.Unmarshal(blob, &aux); err != nil {
		return cfg
	}
	cfg = aux.ImageConfig
	if cfg.FalModel == "" {
		cfg.FalModel = aux.UpscaleModel
	}
	return cfg
}

// Plan is the ordered list of intended steps produced by the planner.
type Plan struct {
	SceneSummary string     `json:"scene_summary"`
	GlobalRules  []string   `json:"global_rules"`
	Steps        []PlanStep `json:"steps"`
}

// PlanStep describes one intended pipeline step before it is materialized.
type PlanStep struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Type             StepType           `json:"type"`
	Target           string             `json:"target,omitempty"`
	Prompt           string             `json:"prompt"`
	PromptVariations []string           `json:"prompt_variations,omitempty"`
	ValidationRules  map[string]float64 `json:"validation_rules,omitempty"`
}

// ValidationRulesFor returns the plan-level validation rules for a step id,
// or nil when the job has no plan or the step is not planned.
func (j *Job) ValidationRulesFor(stepID string) map[string]float64 {
	if j.Plan == nil {
		return nil
	}
	for _, ps := range j.Plan.Steps {
		if ps.ID == stepID {
			return ps.ValidationRules
		}
	}
	return nil
}
