// Package runner is the orchestration core: it executes single pipeline
// steps against the configured providers and drives whole jobs through
// their step sequence, honoring pause and cancel signals.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"strings"
	"sync"
	"time"

	"plateworks/internal/domain"
	"plateworks/internal/imagecheck"
	"plateworks/internal/infra"
	"plateworks/internal/masks"
	provimage "plateworks/internal/providers/image"
	"plateworks/internal/providers/planner"
	"plateworks/internal/pubsub"
	"plateworks/internal/storage"
)

// Locality clauses prepended to the user prompt when a mask constrains the
// edit. Wording is part of the product behavior; keep stable.
const (
	manualMaskPrefix = "Only modify pixels inside the mask. Do not change anything outside the mask. Preserve framing, lighting, style. No new objects/text/people/animals. "
	autoMaskPrefix   = "Only modify the specified region. Do not change anything else. Preserve framing/style. "
)

// BackgroundRemover isolates the subject of an image on transparency.
type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, input []byte, model, apiKey string) (image.Image, error)
}

// Upscaler resamples an image by an integer factor.
type Upscaler interface {
	Upscale(ctx context.Context, input []byte, factor float64, model, apiKey string) (image.Image, error)
}

// PlanGenerator produces extraction plans and prompt variations.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, req planner.PlanRequest) (*domain.Plan, error)
	GenerateVariations(ctx context.Context, basePrompt string, count int, model, apiKey string) ([]string, error)
}

// Runner executes steps and jobs. All collaborators are injected; a Runner
// holds no global state beyond its per-job locks.
type Runner struct {
	store    *storage.Store
	bus      *pubsub.Bus
	checker  *imagecheck.Checker
	editors  []provimage.Editor
	remover  BackgroundRemover
	upscaler Upscaler
	planner  PlanGenerator
	logger   infra.Logger

	// one mutex per job id, held across every load-modify-save sequence
	locks sync.Map
}

// Options wires a Runner. Editors are tried in slice order when no provider
// is explicitly selected.
type Options struct {
	Store    *storage.Store
	Bus      *pubsub.Bus
	Checker  *imagecheck.Checker
	Editors  []provimage.Editor
	Remover  BackgroundRemover
	Upscaler Upscaler
	Planner  PlanGenerator
	Logger   infra.Logger
}

// New constructs a Runner from its collaborators.
func New(opts Options) *Runner {
	checker := opts.Checker
	if checker == nil {
		checker = imagecheck.NewChecker()
	}
	return &Runner{
		store:    opts.Store,
		bus:      opts.Bus,
		checker:  checker,
		editors:  opts.Editors,
		remover:  opts.Remover,
		upscaler: opts.Upscaler,
		planner:  opts.Planner,
		logger:   opts.Logger,
	}
}

func (r *Runner) lockFor(jobID string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// stepRun carries everything resolved under the lock that the unlocked
// provider call needs.
type stepRun struct {
	runID      string
	prompt     string
	input      []byte
	inputImg   image.Image
	inputPath  string
	sourcePath string
	mask       *image.Gray
	maskPNG    []byte
	editor     provimage.Editor
	cfg        domain.ImageConfig
	imageKey   string
	falKey     string
	falModel   string
	factor     int
	retry      bool
}

// RunStep executes one step to a terminal status. CANCELLED steps and
// PAUSED jobs are logged no-ops. A step whose execution errors comes back
// FAILED together with the causing error; validation rejections are
// statuses, not errors. A history record is written regardless of outcome.
func (r *Runner) RunStep(ctx context.Context, jobID, stepID, customPrompt string) (*domain.Step, error) {
	mu := r.lockFor(jobID)
	mu.Lock()

	job, err := r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: load job %s: %w", jobID, err)
	}
	step := job.StepByID(stepID)
	if step == nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: step %s in job %s: %w", stepID, jobID, domain.ErrNotFound)
	}

	if step.Status == domain.StepStatusCancelled {
		mu.Unlock()
		r.bus.EmitLog(jobID, "warning", fmt.Sprintf("Step %s was cancelled by user.", step.Name))
		return step, nil
	}
	if job.Status == domain.JobStatusPaused {
		mu.Unlock()
		r.bus.EmitLog(jobID, "warning", fmt.Sprintf("Job is paused. Skipping step %s.", step.Name))
		return step, nil
	}

	runID := r.store.NewRunID()
	step.Status = domain.StepStatusRunning
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: persist running step: %w", err)
	}
	r.bus.EmitStepUpdated(jobID, step)
	r.bus.EmitLog(jobID, "info", "Starting step: "+step.Name)

	rec := &storage.HistoryRecord{
		JobID:        jobID,
		StepID:       stepID,
		RunID:        runID,
		StartedAt:    time.Now().UTC(),
		PromptBase:   step.Prompt,
		PromptCustom: firstNonEmpty(customPrompt, step.CustomPrompt),
		Mask: storage.HistoryMask{
			Mode:   string(step.EffectiveMaskMode()),
			Intent: step.MaskIntent,
		},
	}
	defer func() {
		rec.FinishedAt = time.Now().UTC()
		r.store.WriteHistoryBestEffort(rec)
	}()

	run, err := r.prepare(job, step, rec, runID, customPrompt)
	if err != nil {
		r.markFailed(job, step, rec, err)
		mu.Unlock()
		return step, err
	}
	mu.Unlock()

	// The provider call runs outside the job lock so stop/pause requests
	// stay responsive while the network call is in flight.
	out, err := r.invokeProvider(ctx, jobID, step.Type, run)

	mu.Lock()
	defer mu.Unlock()

	job, lerr := r.store.LoadJob(jobID)
	if lerr != nil {
		return nil, fmt.Errorf("runner: reload job %s: %w", jobID, lerr)
	}
	step = job.StepByID(stepID)
	if step == nil {
		return nil, fmt.Errorf("runner: step %s in job %s: %w", stepID, jobID, domain.ErrNotFound)
	}

	// An external stop while the provider was in flight wins over the
	// result; the produced output is discarded.
	if step.Status == domain.StepStatusCancelled {
		rec.Error = "step cancelled during execution; output discarded"
		r.bus.EmitLog(jobID, "warning", fmt.Sprintf("Step %s was cancelled during execution. Discarding output.", step.Name))
		return step, nil
	}

	if err != nil {
		r.markFailed(job, step, rec, err)
		return step, err
	}

	return r.finishStep(job, step, rec, run, out, customPrompt != "")
}

// prepare resolves input, prompt, mask and provider under the job lock.
func (r *Runner) prepare(job *domain.Job, step *domain.Step, rec *storage.HistoryRecord, runID, customPrompt string) (*stepRun, error) {
	run := &stepRun{runID: runID, retry: customPrompt != ""}
	jobID := job.ID

	inputAssetID := firstNonEmpty(step.InputAssetID, job.SourceAssetID)
	if inputAssetID == "" {
		return nil, fmt.Errorf("input asset not found")
	}
	inputPath, err := r.store.ResolveAssetPath(job, inputAssetID)
	if err != nil {
		return nil, fmt.Errorf("resolve input asset: %w", err)
	}
	sourcePath, err := r.store.ResolveAssetPath(job, job.SourceAssetID)
	if err != nil {
		return nil, fmt.Errorf("resolve source asset: %w", err)
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read input asset: %w", err)
	}
	inputImg, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode input asset: %w", err)
	}
	run.input = input
	run.inputImg = inputImg
	run.inputPath = inputPath
	run.sourcePath = sourcePath
	rec.InputAssetPath = inputPath

	run.prompt = firstNonEmpty(customPrompt, step.CustomPrompt, step.Prompt)
	run.imageKey = job.MetaString(domain.MetaImageAPIKey)
	run.falKey = job.MetaString(domain.MetaFalAPIKey)
	maskMode := step.EffectiveMaskMode()

	r.bus.EmitLog(jobID, "info", "Using prompt: "+truncate(run.prompt, 200))

	switch step.Type {
	case domain.StepTypeBGRemove:
		if r.remover == nil {
			return nil, fmt.Errorf("background removal service is unavailable")
		}
		run.falModel = job.ImageConfigMeta().FalModel
		rec.PromptFull = run.prompt
		rec.Model = run.falModel

	case domain.StepTypeUpscale:
		if step.ImageConfig != nil {
			run.cfg = *step.ImageConfig
		} else {
			run.cfg = job.UpscaleConfigMeta()
		}
		run.factor = clampUpscaleFactor(run.cfg.Factor)
		run.falModel = run.cfg.FalModel
		if run.factor > 1 && r.upscaler == nil {
			return nil, fmt.Errorf("upscale service is unavailable")
		}
		rec.PromptFull = run.prompt
		rec.Model = run.falModel

	case domain.StepTypeExtract, domain.StepTypeRemove, domain.StepTypeReframe, domain.StepTypeEdit:
		if step.ImageConfig != nil {
			run.cfg = *step.ImageConfig
		} else {
			run.cfg = job.ImageConfigMeta()
		}

		editor, err := routeEditor(r.editors, run.cfg, maskMode, run.imageKey)
		if err != nil {
			r.bus.EmitLog(jobID, "error", err.Error())
			return nil, err
		}
		run.editor = editor
		r.bus.EmitLog(jobID, "info", fmt.Sprintf(
			"Using %s provider (requested: %s)", editor.Name(), firstNonEmpty(run.cfg.Provider, "default")))

		switch maskMode {
		case domain.MaskModeManual:
			run.prompt = manualMaskPrefix + run.prompt
		case domain.MaskModeAuto:
			run.prompt = autoMaskPrefix + run.prompt
		}
		if step.MaskPrompt != "" {
			run.prompt = run.prompt + "\nIntent: " + step.MaskPrompt
			r.bus.EmitLog(jobID, "info", "Mask intent appended to prompt.")
		}
		if maskMode != domain.MaskModeNone {
			r.bus.EmitLog(jobID, "info", fmt.Sprintf("Mask mode: %s.", maskMode))
		}

		if maskMode == domain.MaskModeManual {
			if step.MaskAssetID == "" {
				return nil, fmt.Errorf("manual mask requested but no mask asset set")
			}
			maskPath, err := r.store.ResolveAssetPath(job, step.MaskAssetID)
			if err != nil {
				return nil, fmt.Errorf("resolve mask asset: %w", err)
			}
			mask, err := masks.LoadBinary(maskPath)
			if err != nil {
				return nil, fmt.Errorf("load mask: %w", err)
			}
			if err := masks.EnsureMatches(mask, inputImg); err != nil {
				return nil, err
			}
			r.bus.EmitLog(jobID, "info", fmt.Sprintf(
				"Mask size: %dx%d, Input size: %dx%d",
				mask.Bounds().Dx(), mask.Bounds().Dy(),
				inputImg.Bounds().Dx(), inputImg.Bounds().Dy()))

			// Keep an audit copy of the exact mask this run executed with.
			copyAsset, err := r.store.SaveGeneratedImage(job, step.ID, runID, "mask", mask, domain.AssetKindMask, storage.SubdirMasks)
			if err != nil {
				return nil, fmt.Errorf("persist mask copy: %w", err)
			}
			step.MaskAssetID = copyAsset.ID
			if err := r.store.SaveJob(job); err != nil {
				return nil, fmt.Errorf("persist mask repoint: %w", err)
			}
			if resolved, err := r.store.ResolveAssetPath(job, copyAsset.ID); err == nil {
				rec.Mask.AssetPath = resolved
			}
			run.mask = mask

			var buf bytes.Buffer
			if err := png.Encode(&buf, mask); err != nil {
				return nil, fmt.Errorf("encode mask: %w", err)
			}
			run.maskPNG = buf.Bytes()
		}

		rec.PromptFull = run.prompt
		rec.Model = firstNonEmpty(run.cfg.Model, editor.Model())

	default:
		return nil, fmt.Errorf("unknown step type: %s", step.Type)
	}

	return run, nil
}

// invokeProvider performs the network call for a prepared run. Called
// without the job lock held.
func (r *Runner) invokeProvider(ctx context.Context, jobID string, stepType domain.StepType, run *stepRun) (image.Image, error) {
	switch stepType {
	case domain.StepTypeBGRemove:
		r.bus.EmitLog(jobID, "info", "Calling background removal...")
		return r.remover.RemoveBackground(ctx, run.input, run.falModel, run.falKey)

	case domain.StepTypeUpscale:
		if run.factor == 1 {
			r.bus.EmitLog(jobID, "info", "Upscale factor is 1x. Returning original resolution image.")
			return run.inputImg, nil
		}
		r.bus.EmitLog(jobID, "info", "Calling upscaler...")
		return r.upscaler.Upscale(ctx, run.input, float64(run.factor), run.falModel, run.falKey)

	default:
		r.bus.EmitLog(jobID, "info", fmt.Sprintf("Calling %s image edit...", run.editor.Name()))
		return run.editor.Edit(ctx, provimage.EditRequest{
			Input:   run.input,
			Mask:    run.maskPNG,
			Prompt:  run.prompt,
			Model:   run.cfg.Model,
			Quality: run.cfg.Quality,
			APIKey:  run.imageKey,
		})
	}
}

// finishStep post-processes, persists and validates a successful provider
// result. Called with the job lock held on freshly reloaded state.
func (r *Runner) finishStep(job *domain.Job, step *domain.Step, rec *storage.HistoryRecord, run *stepRun, out image.Image, retried bool) (*domain.Step, error) {
	jobID := job.ID

	if run.mask != nil {
		out = masks.ApplyConstraint(out, run.inputImg, run.mask, step.Type)
		r.bus.EmitLog(jobID, "info", "Mask constraint applied to output.")
	}
	if step.Type == domain.StepTypeRemove {
		r.bus.EmitLog(jobID, "info", "Post-processing: enforcing white background for clean plate...")
		out = flattenToWhite(out)
	}
	if step.Type == domain.StepTypeReframe {
		if cropped, changed := cropToSixteenNine(out); changed {
			out = cropped
			b := out.Bounds()
			r.bus.EmitLog(jobID, "info", fmt.Sprintf("Reframe size enforced: %dx%d", b.Dx(), b.Dy()))
		}
	}

	kind, subdir := assetKindFor(step.Type)
	label := strings.ToLower(string(step.Type))
	if retried {
		label = "retry"
	}
	if step.Type == domain.StepTypeUpscale {
		label = fmt.Sprintf("upscale_%dx", run.factor)
	}
	asset, err := r.store.SaveGeneratedImage(job, step.ID, run.runID, label, out, kind, subdir)
	if err != nil {
		r.markFailed(job, step, rec, fmt.Errorf("persist output: %w", err))
		return step, err
	}
	outputPath, _ := r.store.ResolveAssetPath(job, asset.ID)
	rec.OutputAssetID = asset.ID
	rec.OutputAssetPath = outputPath
	r.bus.EmitLog(jobID, "info", "Output generated: "+asset.Path)

	step.RecordOutput(asset.ID, run.runID)
	step.LastPromptUsed = run.prompt

	r.bus.EmitLog(jobID, "info", "Validating output...")
	validation := r.validate(job, step, outputPath, run)
	step.Validation = &validation
	step.Status = validation.Status
	step.ActionsAvailable = actionsFor(step.Type, validation.Status)
	step.UpdatedAt = time.Now().UTC()
	rec.Validation = &storage.HistoryValidation{
		Status:  string(validation.Status),
		Metrics: validation.Metrics,
		Notes:   validation.Notes,
	}

	level := "warning"
	if step.Status == domain.StepStatusSuccess {
		level = "success"
	}
	r.bus.EmitLog(jobID, level, "Step completed with status: "+string(step.Status))
	r.bus.EmitLog(jobID, "info", "Validation: "+validation.Notes)

	propagated := r.propagatePlate(job, step)

	if err := r.store.SaveJob(job); err != nil {
		return step, fmt.Errorf("runner: persist finished step: %w", err)
	}
	r.bus.EmitStepUpdated(jobID, step)
	if propagated {
		r.bus.EmitJobUpdated(job)
	}
	return step, nil
}

func (r *Runner) validate(job *domain.Job, step *domain.Step, outputPath string, run *stepRun) domain.ValidationResult {
	rules := job.ValidationRulesFor(step.ID)
	switch step.Type {
	case domain.StepTypeExtract:
		return r.checker.ValidateExtraction(outputPath, run.sourcePath, rules)
	case domain.StepTypeRemove:
		return r.checker.ValidatePlate(outputPath, run.sourcePath, rules)
	case domain.StepTypeReframe:
		return r.checker.ValidateReframe(outputPath, run.sourcePath, rules)
	case domain.StepTypeEdit:
		return domain.ValidationResult{
			Passed:  true,
			Status:  domain.StepStatusSuccess,
			Metrics: map[string]float64{},
			Notes:   "Edit completed (no validation applied).",
		}
	case domain.StepTypeUpscale:
		return domain.ValidationResult{
			Passed:  true,
			Status:  domain.StepStatusSuccess,
			Metrics: map[string]float64{},
			Notes:   fmt.Sprintf("Upscale %dx completed.", run.factor),
		}
	default:
		return r.checker.ValidateExtraction(outputPath, run.sourcePath, map[string]float64{
			"min_nonwhite": 0.01,
			"max_nonwhite": 0.8,
		})
	}
}

// propagatePlate repoints later steps at a freshly produced clean plate.
// Steps whose input was manually overridden to something else keep their
// override.
func (r *Runner) propagatePlate(job *domain.Job, step *domain.Step) bool {
	if step.Type != domain.StepTypeRemove || step.OutputAssetID == "" {
		return false
	}
	if step.Status != domain.StepStatusSuccess && step.Status != domain.StepStatusNeedsReview {
		return false
	}
	previousPlate := job.MetaString(domain.MetaLatestPlate)
	updated := false
	for _, future := range job.Steps {
		if future.Index <= step.Index {
			continue
		}
		if future.InputAssetID == "" || future.InputAssetID == previousPlate {
			future.InputAssetID = step.OutputAssetID
			updated = true
		}
	}
	job.SetMeta(domain.MetaLatestPlate, step.OutputAssetID)
	if updated {
		r.bus.EmitLog(job.ID, "info", "Updated future steps to use latest clean plate.")
	}
	return updated
}

// markFailed records a failure on the step. Called with the job lock held;
// the save error, if any, is logged rather than propagated because the
// causing error is what the caller reports.
func (r *Runner) markFailed(job *domain.Job, step *domain.Step, rec *storage.HistoryRecord, cause error) {
	rec.Error = cause.Error()
	step.Status = domain.StepStatusFailed
	step.AppendLog("Error: " + cause.Error())
	step.ActionsAvailable = failureActions(step.Type)
	step.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveJob(job); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Str("step_id", step.ID).Msg("persist failed step")
	}
	r.bus.EmitLog(job.ID, "error", "Step failed: "+cause.Error())
	r.bus.EmitStepUpdated(job.ID, step)
}

func assetKindFor(stepType domain.StepType) (domain.AssetKind, string) {
	switch stepType {
	case domain.StepTypeExtract:
		return domain.AssetKindLayer, storage.SubdirGenerations
	case domain.StepTypeEdit, domain.StepTypeUpscale:
		return domain.AssetKindGeneration, storage.SubdirGenerations
	case domain.StepTypeBGRemove:
		return domain.AssetKindBGRemoved, storage.SubdirDerived
	default:
		return domain.AssetKindPlate, storage.SubdirGenerations
	}
}

func actionsFor(stepType domain.StepType, status domain.StepStatus) []domain.StepAction {
	switch status {
	case domain.StepStatusSuccess, domain.StepStatusNeedsReview:
		if stepType == domain.StepTypeUpscale {
			return []domain.StepAction{domain.StepActionAccept}
		}
		return domain.ReviewActions()
	case domain.StepStatusFailed:
		return failureActions(stepType)
	default:
		return nil
	}
}

func failureActions(stepType domain.StepType) []domain.StepAction {
	if stepType == domain.StepTypeUpscale {
		return []domain.StepAction{domain.StepActionRetry}
	}
	return domain.RetryActions()
}

// RunJob drives every queued step in index order. Before each step the job
// is reloaded and the loop stops if an external actor moved it out of
// RUNNING. NEEDS_REVIEW pauses the job; FAILED fails it; exhausting the
// queue completes it.
func (r *Runner) RunJob(ctx context.Context, jobID string) (*domain.Job, error) {
	mu := r.lockFor(jobID)
	mu.Lock()
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: load job %s: %w", jobID, err)
	}
	job.Status = domain.JobStatusRunning
	if err := r.store.SaveJob(job); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("runner: persist running job: %w", err)
	}
	mu.Unlock()
	r.bus.EmitJobUpdated(job)
	r.bus.EmitLog(jobID, "info", "Starting job execution...")

	stepIDs := make([]string, 0, len(job.Steps))
	for _, s := range job.Steps {
		stepIDs = append(stepIDs, s.ID)
	}

	for _, stepID := range stepIDs {
		current, err := r.store.LoadJob(jobID)
		if err != nil {
			return r.failJob(jobID, err)
		}
		if current.Status != domain.JobStatusRunning {
			r.bus.EmitLog(jobID, "warning", "Job execution paused/stopped externally.")
			return current, nil
		}
		step := current.StepByID(stepID)
		if step == nil || step.Status != domain.StepStatusQueued {
			continue
		}

		if _, err := r.RunStep(ctx, jobID, stepID, ""); err != nil {
			return r.failJob(jobID, err)
		}

		current, err = r.store.LoadJob(jobID)
		if err != nil {
			return r.failJob(jobID, err)
		}
		step = current.StepByID(stepID)
		if step == nil {
			continue
		}
		switch step.Status {
		case domain.StepStatusNeedsReview:
			paused := r.setJobStatus(jobID, domain.JobStatusPaused)
			r.bus.EmitLog(jobID, "warning", "Job paused - step needs review")
			return paused, nil
		case domain.StepStatusFailed:
			failed := r.setJobStatus(jobID, domain.JobStatusFailed)
			r.bus.EmitLog(jobID, "error", "Job failed")
			return failed, nil
		}
	}

	done := r.setJobStatus(jobID, domain.JobStatusDone)
	r.bus.EmitLog(jobID, "success", "Job completed successfully!")
	return done, nil
}

func (r *Runner) failJob(jobID string, cause error) (*domain.Job, error) {
	job := r.setJobStatus(jobID, domain.JobStatusFailed)
	r.bus.EmitLog(jobID, "error", "Job failed: "+cause.Error())
	return job, cause
}

func (r *Runner) setJobStatus(jobID string, status domain.JobStatus) *domain.Job {
	mu := r.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()
	job, err := r.store.LoadJob(jobID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("reload job for status update")
		return nil
	}
	job.Status = status
	if err := r.store.SaveJob(job); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("persist job status")
	}
	r.bus.EmitJobUpdated(job)
	return job
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
