package domain

import "time"

// StepType enumerates the supported pipeline operations.
type StepType string

const (
	StepTypeAnalyze  StepType = "ANALYZE"
	StepTypeExtract  StepType = "EXTRACT"
	StepTypeRemove   StepType = "REMOVE"
	StepTypeBGRemove StepType = "BG_REMOVE"
	StepTypeReframe  StepType = "REFRAME"
	StepTypeEdit     StepType = "EDIT"
	StepTypeUpscale  StepType = "UPSCALE"
)

// StepStatus enumerates the step state machine.
type StepStatus string

const (
	StepStatusQueued      StepStatus = "QUEUED"
	StepStatusRunning     StepStatus = "RUNNING"
	StepStatusSuccess     StepStatus = "SUCCESS"
	StepStatusNeedsReview StepStatus = "NEEDS_REVIEW"
	StepStatusFailed      StepStatus = "FAILED"
	StepStatusCancelled   StepStatus = "CANCELLED"
	StepStatusSkipped     StepStatus = "SKIPPED"
)

// StepAction enumerates follow-up actions offered to a reviewer.
type StepAction string

const (
	StepActionAccept        StepAction = "ACCEPT"
	StepActionRetry         StepAction = "RETRY"
	StepActionBGRemove      StepAction = "BG_REMOVE"
	StepActionPlateAndRetry StepAction = "PLATE_AND_RETRY"
)

// ReviewActions is the action set offered after a reviewable outcome.
func ReviewActions() []StepAction {
	return []StepAction{StepActionAccept, StepActionRetry, StepActionBGRemove, StepActionPlateAndRetry}
}

// RetryActions is the action set offered after a failure.
func RetryActions() []StepAction {
	return []StepAction{StepActionRetry, StepActionPlateAndRetry}
}

// MaskMode enumerates how a step's edit region is constrained.
type MaskMode string

const (
	MaskModeNone   MaskMode = "NONE"
	MaskModeAuto   MaskMode = "AUTO"
	MaskModeManual MaskMode = "MANUAL"
)

// ValidationResult is the outcome of the heuristic output check. Produced
// fresh on every run, never mutated.
type ValidationResult struct {
	Passed  bool               `json:"passed"`
	Status  StepStatus         `json:"status"`
	Metrics map[string]float64 `json:"metrics"`
	Notes   string             `json:"notes"`
}

// Step is one provider invocation plus validation within a job's pipeline.
// Index values determine temporal ordering; a step may consume the output of
// any earlier-indexed step.
type Step struct {
	ID               string            `json:"id"`
	Index            int               `json:"index"`
	Name             string            `json:"name"`
	Type             StepType          `json:"type"`
	Status           StepStatus        `json:"status"`
	InputAssetID     string            `json:"input_asset_id,omitempty"`
	OutputAssetID    string            `json:"output_asset_id,omitempty"`
	MaskMode         MaskMode          `json:"mask_mode,omitempty"`
	MaskAssetID      string            `json:"mask_asset_id,omitempty"`
	MaskIntent       string            `json:"mask_intent,omitempty"`
	MaskPrompt       string            `json:"mask_prompt,omitempty"`
	Prompt           string            `json:"prompt"`
	PromptVariations []string          `json:"prompt_variations,omitempty"`
	CustomPrompt     string            `json:"custom_prompt,omitempty"`
	ImageConfig      *ImageConfig      `json:"image_config,omitempty"`
	Validation       *ValidationResult `json:"validation,omitempty"`
	ActionsAvailable []StepAction      `json:"actions_available,omitempty"`
	Logs             []string          `json:"logs,omitempty"`
	OutputHistory    []string          `json:"output_history,omitempty"`
	LastRunID        string            `json:"last_run_id,omitempty"`
	LastPromptUsed   string            `json:"last_prompt_used,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// EffectiveMaskMode normalizes an unset mask mode to NONE.
func (s *Step) EffectiveMaskMode() MaskMode {
	if s.MaskMode == "" {
		return MaskModeNone
	}
	return s.MaskMode
}

// AppendLog records a line in the step's append-only log.
func (s *Step) AppendLog(line string) {
	s.Logs = append(s.Logs, line)
}

// RecordOutput sets the active output asset and appends it to the output
// history when not already the most recent entry.
func (s *Step) RecordOutput(assetID, runID string) {
	s.OutputAssetID = assetID
	if n := len(s.OutputHistory); n == 0 || s.OutputHistory[n-1] != assetID {
		s.OutputHistory = append(s.OutputHistory, assetID)
	}
	s.LastRunID = runID
	s.UpdatedAt = time.Now().UTC()
}
