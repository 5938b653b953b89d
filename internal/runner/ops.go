package runner

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"plateworks/internal/domain"
	"plateworks/internal/masks"
	provimage "plateworks/internal/providers/image"
	"plateworks/internal/providers/planner"
)

// CreateJob allocates a new job and registers the uploaded file as its
// source asset.
func (r *Runner) CreateJob(srcPath, originalName string) (*domain.Job, error) {
	jobID, err := r.store.CreateJob("")
	if err != nil {
		return nil, err
	}
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	asset, err := r.store.SaveAssetFile(job, srcPath, domain.AssetKindSource, "", "")
	if err != nil {
		return nil, fmt.Errorf("runner: save source asset: %w", err)
	}
	job.SourceAssetID = asset.ID
	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitJobUpdated(job)
	r.bus.EmitLog(jobID, "info", "Job created with source image: "+originalName)
	return job, nil
}

// UploadMask binarizes an uploaded image and stores it as a mask asset.
func (r *Runner) UploadMask(jobID, srcPath string) (*domain.Asset, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	mask, err := masks.LoadBinary(srcPath)
	if err != nil {
		return nil, fmt.Errorf("runner: binarize mask: %w", err)
	}
	asset, err := r.store.SaveGeneratedImage(job, "mask_upload", r.store.NewRunID(), "mask", mask, domain.AssetKindMask, "")
	if err != nil {
		return nil, fmt.Errorf("runner: persist mask: %w", err)
	}
	r.bus.EmitLog(jobID, "info", "Mask uploaded: "+asset.ID)
	return asset, nil
}

// UpdateJobKeys refreshes the per-job API keys from values the client sent
// along with a request. Empty values leave the stored keys untouched.
// Returns true when anything changed.
func (r *Runner) UpdateJobKeys(jobID, googleKey, openaiKey, imageKey, falKey string) (bool, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return false, err
	}
	changed := false
	if imageKey != "" && job.MetaString(domain.MetaImageAPIKey) != imageKey {
		job.SetMeta(domain.MetaImageAPIKey, imageKey)
		changed = true
	}
	if falKey != "" && job.MetaString(domain.MetaFalAPIKey) != falKey {
		job.SetMeta(domain.MetaFalAPIKey, falKey)
		changed = true
	}
	if job.MetaString(domain.MetaImageAPIKey) == "" {
		// Fall back to the provider-family key matching the configured
		// image provider.
		switch job.ImageConfigMeta().Provider {
		case "gemini", "vertex":
			if googleKey != "" {
				job.SetMeta(domain.MetaImageAPIKey, googleKey)
				changed = true
			}
		case "openai":
			if openaiKey != "" {
				job.SetMeta(domain.MetaImageAPIKey, openaiKey)
				changed = true
			}
		}
	}
	if !changed {
		return false, nil
	}
	if err := r.store.SaveJob(job); err != nil {
		return false, err
	}
	r.bus.EmitLog(jobID, "info", "Updated API keys from client")
	return true, nil
}

// MaskPatch updates a step's mask configuration. Pointer fields distinguish
// "clear this" from "leave untouched".
type MaskPatch struct {
	Mode    *domain.MaskMode
	AssetID *string
	Intent  *string
	Prompt  *string
}

// PatchStepMask applies a mask patch to a step.
func (r *Runner) PatchStepMask(jobID, stepID string, patch MaskPatch) (*domain.Step, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}

	if patch.Mode != nil {
		step.MaskMode = *patch.Mode
		if step.MaskMode == "" {
			step.MaskMode = domain.MaskModeNone
		}
		if step.MaskMode == domain.MaskModeNone {
			step.MaskAssetID = ""
			step.MaskIntent = ""
		}
	}
	if patch.AssetID != nil {
		if *patch.AssetID == "" {
			step.MaskAssetID = ""
		} else {
			asset, ok := job.Assets[*patch.AssetID]
			if !ok {
				return nil, fmt.Errorf("runner: mask asset %s: %w", *patch.AssetID, domain.ErrNotFound)
			}
			if asset.Kind != domain.AssetKindMask {
				return nil, fmt.Errorf("runner: asset %s is not a mask", *patch.AssetID)
			}
			step.MaskAssetID = *patch.AssetID
		}
	}
	if patch.Intent != nil {
		step.MaskIntent = *patch.Intent
	}
	if patch.Prompt != nil {
		step.MaskPrompt = *patch.Prompt
	}
	step.UpdatedAt = time.Now().UTC()

	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitStepUpdated(jobID, step)
	return step, nil
}

// PlanOptions configures plan generation.
type PlanOptions struct {
	Model       string
	APIKey      string
	ImageConfig *domain.ImageConfig
	ImageAPIKey string
}

// PlanJob analyzes the job's source image with the planner, materializes
// the resulting plan as queued steps and moves the job to PLANNED. Each
// step ends up with at least the base prompt in its variations list;
// variation generation failures degrade to the base prompt alone.
func (r *Runner) PlanJob(ctx context.Context, jobID string, opts PlanOptions) (*domain.Job, error) {
	if r.planner == nil {
		return nil, fmt.Errorf("runner: planner is unavailable")
	}

	mu := r.lockFor(jobID)
	mu.Lock()
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if job.SourceAssetID == "" {
		mu.Unlock()
		return nil, fmt.Errorf("runner: job %s has no source image", jobID)
	}
	sourcePath, err := r.store.ResolveAssetPath(job, job.SourceAssetID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: resolve source: %w", err)
	}
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: read source: %w", err)
	}
	mu.Unlock()

	r.bus.EmitLog(jobID, "info", "Generating plan...")
	plan, err := r.planner.GeneratePlan(ctx, planner.PlanRequest{
		Image:  source,
		Model:  opts.Model,
		APIKey: opts.APIKey,
	})
	if err != nil {
		r.bus.EmitLog(jobID, "error", "Planning failed: "+err.Error())
		return nil, fmt.Errorf("runner: generate plan: %w", err)
	}

	for i := range plan.Steps {
		ps := &plan.Steps[i]
		variations := nonEmptyStrings(ps.PromptVariations)
		if len(variations) < 2 {
			generated, err := r.planner.GenerateVariations(ctx, ps.Prompt, 3, opts.Model, opts.APIKey)
			if err != nil {
				r.bus.EmitLog(jobID, "warning", fmt.Sprintf("Variation generation failed for %s: %v", ps.ID, err))
			} else {
				variations = nonEmptyStrings(generated)
			}
		}
		ps.PromptVariations = uniqueStrings(append([]string{ps.Prompt}, variations...))
	}

	mu.Lock()
	defer mu.Unlock()
	job, err = r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}

	job.Plan = plan
	if opts.ImageConfig != nil {
		job.SetMeta(domain.MetaImageConfig, opts.ImageConfig)
	}
	if opts.ImageAPIKey != "" {
		job.SetMeta(domain.MetaImageAPIKey, opts.ImageAPIKey)
	}

	now := time.Now().UTC()
	job.Steps = job.Steps[:0]
	for idx, ps := range plan.Steps {
		job.Steps = append(job.Steps, &domain.Step{
			ID:               ps.ID,
			Index:            idx,
			Name:             ps.Name,
			Type:             ps.Type,
			Status:           domain.StepStatusQueued,
			Prompt:           ps.Prompt,
			PromptVariations: ps.PromptVariations,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	job.Status = domain.JobStatusPlanned
	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}

	r.bus.EmitLog(jobID, "info", fmt.Sprintf("Plan generated with %d steps", len(job.Steps)))
	r.bus.EmitJobUpdated(job)
	return job, nil
}

// StepVariations returns fresh prompt variations for a step's current
// prompt without persisting anything.
func (r *Runner) StepVariations(ctx context.Context, jobID, stepID, model, apiKey string) ([]string, error) {
	if r.planner == nil {
		return nil, fmt.Errorf("runner: planner is unavailable")
	}
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	current := firstNonEmpty(step.CustomPrompt, step.Prompt)
	return r.planner.GenerateVariations(ctx, current, 3, model, apiKey)
}

// RetryStep stores the custom prompt and optional config on the step and
// requeues it. The caller dispatches the actual RunStep.
func (r *Runner) RetryStep(jobID, stepID, customPrompt string, cfg *domain.ImageConfig) error {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	step.CustomPrompt = customPrompt
	if cfg != nil {
		step.ImageConfig = cfg
	}
	step.Status = domain.StepStatusQueued
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		return err
	}
	r.bus.EmitLog(jobID, "info", "Retrying step: "+step.Name)
	r.bus.EmitStepUpdated(jobID, step)
	return nil
}

// StopStep cancels a running or queued step. A step already in flight is
// not aborted mid-call; its result is discarded at the post-call check.
func (r *Runner) StopStep(jobID, stepID string) (*domain.Step, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	step.Status = domain.StepStatusCancelled
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitLog(jobID, "warning", "Step cancelled by user: "+step.Name)
	r.bus.EmitStepUpdated(jobID, step)
	return step, nil
}

// AcceptStep finalizes a reviewable step as SUCCESS and consumes its
// pending actions.
func (r *Runner) AcceptStep(jobID, stepID string) (*domain.Step, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	if step.Status != domain.StepStatusSuccess && step.Status != domain.StepStatusNeedsReview {
		return nil, fmt.Errorf("runner: step %s is %s, not reviewable", stepID, step.Status)
	}
	step.Status = domain.StepStatusSuccess
	step.ActionsAvailable = nil
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitLog(jobID, "info", "Step accepted: "+step.Name)
	r.bus.EmitStepUpdated(jobID, step)
	return step, nil
}

// PauseAll moves every RUNNING job to PAUSED and cancels its in-flight and
// queued steps. Returns the number of jobs paused.
func (r *Runner) PauseAll() (int, error) {
	jobIDs, err := r.store.ListJobs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, jobID := range jobIDs {
		mu := r.lockFor(jobID)
		mu.Lock()
		job, err := r.store.LoadJob(jobID)
		if err != nil {
			mu.Unlock()
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("skip unreadable job in pause-all")
			continue
		}
		if job.Status != domain.JobStatusRunning {
			mu.Unlock()
			continue
		}
		job.Status = domain.JobStatusPaused
		changedSteps := false
		for _, step := range job.Steps {
			if step.Status == domain.StepStatusRunning || step.Status == domain.StepStatusQueued {
				step.Status = domain.StepStatusCancelled
				step.UpdatedAt = time.Now().UTC()
				changedSteps = true
				r.bus.EmitStepUpdated(jobID, step)
			}
		}
		if err := r.store.SaveJob(job); err != nil {
			mu.Unlock()
			return count, err
		}
		mu.Unlock()
		r.bus.EmitLog(jobID, "warning", "Job paused by 'Pause All' request.")
		r.bus.EmitJobUpdated(job)
		if changedSteps {
			r.bus.EmitLog(jobID, "warning", "All running/queued steps marked as CANCELLED.")
		}
		count++
	}
	return count, nil
}

// SetActiveOutput repoints a step's active output at an earlier entry of
// its output history.
func (r *Runner) SetActiveOutput(jobID, stepID, assetID string) (*domain.Step, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	found := false
	for _, id := range step.OutputHistory {
		if id == assetID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("runner: asset %s is not in step %s output history: %w", assetID, stepID, domain.ErrNotFound)
	}
	step.OutputAssetID = assetID
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitLog(jobID, "info", "Active output switched for step: "+step.Name)
	r.bus.EmitStepUpdated(jobID, step)
	return step, nil
}

// ReplaceStepOutput swaps a step's input or output for an uploaded file.
// Replacing the output of a REMOVE step feeds the new plate forward like a
// generated one would.
func (r *Runner) ReplaceStepOutput(jobID, stepID, srcPath, target string) (*domain.Asset, error) {
	if target != "output" && target != "input" {
		return nil, fmt.Errorf("runner: invalid replace target %q", target)
	}

	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return nil, err
	}
	step := job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}

	var kind domain.AssetKind
	if target == "output" {
		switch step.Type {
		case domain.StepTypeExtract:
			kind = domain.AssetKindLayer
		case domain.StepTypeRemove:
			kind = domain.AssetKindPlate
		default:
			kind = domain.AssetKindBGRemoved
		}
	} else {
		kind = domain.AssetKindSource
	}

	runID := r.store.NewRunID()
	asset, err := r.store.SaveAssetFile(job, srcPath, kind, stepID, runID)
	if err != nil {
		return nil, fmt.Errorf("runner: save replacement asset: %w", err)
	}

	if target == "output" {
		step.Validation = nil
		if step.Status == domain.StepStatusFailed || step.Status == domain.StepStatusCancelled {
			step.Status = domain.StepStatusNeedsReview
		}
		step.RecordOutput(asset.ID, runID)
		step.LastPromptUsed = firstNonEmpty(step.CustomPrompt, step.Prompt)

		if step.Type == domain.StepTypeRemove {
			previousPlate := job.MetaString(domain.MetaLatestPlate)
			for _, future := range job.Steps {
				if future.Index <= step.Index {
					continue
				}
				if future.InputAssetID == "" || future.InputAssetID == previousPlate {
					future.InputAssetID = asset.ID
				}
			}
			job.SetMeta(domain.MetaLatestPlate, asset.ID)
		}
	} else {
		step.InputAssetID = asset.ID
		step.OutputAssetID = ""
		step.Status = domain.StepStatusQueued
		step.Validation = nil
		step.UpdatedAt = time.Now().UTC()
	}

	if err := r.store.SaveJob(job); err != nil {
		return nil, err
	}
	r.bus.EmitLog(jobID, "info", fmt.Sprintf("Replaced %s image for step: %s", target, step.Name))
	r.bus.EmitStepUpdated(jobID, step)
	r.bus.EmitJobUpdated(job)
	return asset, nil
}

// BgRemoveStep applies background removal to a step's current output and
// makes the result the new active output.
func (r *Runner) BgRemoveStep(ctx context.Context, jobID, stepID string) error {
	if r.remover == nil {
		return fmt.Errorf("runner: background removal service is unavailable")
	}

	mu := r.lockFor(jobID)
	mu.Lock()
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return err
	}
	step := job.StepByID(stepID)
	if step == nil {
		mu.Unlock()
		return fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	if step.OutputAssetID == "" {
		mu.Unlock()
		return fmt.Errorf("runner: step %s has no output", stepID)
	}
	r.bus.EmitLog(jobID, "info", "Applying background removal to: "+step.Name)

	inputPath, err := r.store.ResolveAssetPath(job, step.OutputAssetID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("runner: resolve output asset: %w", err)
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("runner: read output asset: %w", err)
	}
	falModel := job.ImageConfigMeta().FalModel
	falKey := job.MetaString(domain.MetaFalAPIKey)
	mu.Unlock()

	out, err := r.remover.RemoveBackground(ctx, input, falModel, falKey)
	if err != nil {
		r.bus.EmitLog(jobID, "error", "Background removal failed: "+err.Error())
		return fmt.Errorf("runner: remove background: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	job, err = r.store.LoadJob(jobID)
	if err != nil {
		return err
	}
	step = job.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}

	runID := r.store.NewRunID()
	asset, err := r.store.SaveGeneratedImage(job, stepID, runID, "bg_removed", out, domain.AssetKindBGRemoved, "")
	if err != nil {
		return fmt.Errorf("runner: persist bg-removed asset: %w", err)
	}
	step.RecordOutput(asset.ID, runID)
	step.LastPromptUsed = firstNonEmpty(step.CustomPrompt, step.Prompt)
	if err := r.store.SaveJob(job); err != nil {
		return err
	}
	r.bus.EmitLog(jobID, "info", "Background removal completed")
	r.bus.EmitStepUpdated(jobID, step)
	return nil
}

// PlateAndRetry removes occluders from the step's input to produce a clean
// plate, then reruns the extraction against that plate. Both edits use the
// routed image provider.
func (r *Runner) PlateAndRetry(ctx context.Context, jobID, stepID, removePrompt, retryPrompt string) error {
	mu := r.lockFor(jobID)
	mu.Lock()
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return err
	}
	step := job.StepByID(stepID)
	if step == nil {
		mu.Unlock()
		return fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	r.bus.EmitLog(jobID, "info", "Creating plate for: "+step.Name)

	inputAssetID := firstNonEmpty(step.InputAssetID, job.SourceAssetID)
	inputPath, err := r.store.ResolveAssetPath(job, inputAssetID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("runner: resolve input asset: %w", err)
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("runner: read input asset: %w", err)
	}
	cfg := job.ImageConfigMeta()
	imageKey := job.MetaString(domain.MetaImageAPIKey)
	editor, err := routeEditor(r.editors, cfg, domain.MaskModeNone, imageKey)
	if err != nil {
		mu.Unlock()
		r.bus.EmitLog(jobID, "error", "Plate and retry failed: "+err.Error())
		return err
	}
	mu.Unlock()

	plateRunID := r.store.NewRunID()
	retryRunID := r.store.NewRunID()

	r.bus.EmitLog(jobID, "info", "Step 1: Removing occluders to create plate...")
	plate, err := editor.Edit(ctx, provimage.EditRequest{
		Input: input, Prompt: removePrompt, Model: cfg.Model, Quality: cfg.Quality, APIKey: imageKey,
	})
	if err != nil {
		r.bus.EmitLog(jobID, "error", "Plate and retry failed: "+err.Error())
		return fmt.Errorf("runner: create plate: %w", err)
	}
	var plateBuf bytes.Buffer
	if err := png.Encode(&plateBuf, plate); err != nil {
		return fmt.Errorf("runner: encode plate: %w", err)
	}

	mu.Lock()
	job, err = r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return err
	}
	plateAsset, err := r.store.SaveGeneratedImage(job, stepID, plateRunID, "plate", plate, domain.AssetKindPlate, "")
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("runner: persist plate: %w", err)
	}
	mu.Unlock()
	r.bus.EmitLog(jobID, "info", "Plate created: "+plateAsset.ID)

	r.bus.EmitLog(jobID, "info", "Step 2: Retrying extraction with plate...")
	retried, err := editor.Edit(ctx, provimage.EditRequest{
		Input: plateBuf.Bytes(), Prompt: retryPrompt, Model: cfg.Model, Quality: cfg.Quality, APIKey: imageKey,
	})
	if err != nil {
		r.bus.EmitLog(jobID, "error", "Plate and retry failed: "+err.Error())
		return fmt.Errorf("runner: retry extraction: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	job, err = r.store.LoadJob(jobID)
	if err != nil {
		return err
	}
	step = job.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("runner: step %s: %w", stepID, domain.ErrNotFound)
	}
	outputAsset, err := r.store.SaveGeneratedImage(job, stepID, retryRunID, "plate_retry", retried, domain.AssetKindLayer, "")
	if err != nil {
		return fmt.Errorf("runner: persist retried output: %w", err)
	}
	step.RecordOutput(outputAsset.ID, retryRunID)
	step.LastPromptUsed = retryPrompt
	step.CustomPrompt = fmt.Sprintf("[Plate+Retry] %s (%s)", retryPrompt, editor.Name())
	if err := r.store.SaveJob(job); err != nil {
		return err
	}
	r.bus.EmitLog(jobID, "info", "Plate and retry completed")
	r.bus.EmitStepUpdated(jobID, step)
	return nil
}

// ReframeJob appends a 16:9 reframe step against the source image and
// marks the job RUNNING. The caller dispatches RunStep for the returned
// step id.
func (r *Runner) ReframeJob(jobID, prompt string, cfg *domain.ImageConfig) (string, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	step := &domain.Step{
		ID:           uuid.NewString(),
		Index:        len(job.Steps),
		Name:         "Reframe 16:9",
		Type:         domain.StepTypeReframe,
		Status:       domain.StepStatusQueued,
		InputAssetID: job.SourceAssetID,
		Prompt:       firstNonEmpty(prompt, "Reframe this image in 16:9."),
		ImageConfig:  cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	job.Steps = append(job.Steps, step)
	job.Status = domain.JobStatusRunning
	if err := r.store.SaveJob(job); err != nil {
		return "", err
	}
	r.bus.EmitStepUpdated(jobID, step)
	r.bus.EmitJobUpdated(job)
	return step.ID, nil
}

func nonEmptyStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
