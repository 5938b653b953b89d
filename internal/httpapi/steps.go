package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"plateworks/internal/domain"
	"plateworks/internal/runner"
)

type runStepRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

func (a *App) runStep(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")

	var req runStepRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.mergeKeysFromHeaders(r, jobID)

	job, err := a.store.LoadJob(jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if job.StepByID(stepID) == nil {
		a.error(w, http.StatusNotFound, "not_found", "step not found")
		return
	}
	go func() {
		if _, err := a.runner.RunStep(context.Background(), jobID, stepID, req.Prompt); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Str("step_id", stepID).Msg("step run failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"status": "running"})
}

type retryStepRequest struct {
	Prompt      string              `json:"prompt,omitempty"`
	ImageConfig *domain.ImageConfig `json:"image_config,omitempty"`
}

func (a *App) retryStep(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")

	var req retryStepRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.mergeKeysFromHeaders(r, jobID)

	if err := a.runner.RetryStep(jobID, stepID, req.Prompt, req.ImageConfig); err != nil {
		a.fail(w, err)
		return
	}
	go func() {
		if _, err := a.runner.RunStep(context.Background(), jobID, stepID, req.Prompt); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Str("step_id", stepID).Msg("step retry failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"status": "retrying"})
}

func (a *App) stopStep(w http.ResponseWriter, r *http.Request) {
	step, err := a.runner.StopStep(chi.URLParam(r, "jobID"), chi.URLParam(r, "stepID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, step)
}

func (a *App) acceptStep(w http.ResponseWriter, r *http.Request) {
	step, err := a.runner.AcceptStep(chi.URLParam(r, "jobID"), chi.URLParam(r, "stepID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, step)
}

func (a *App) bgRemoveStep(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")
	a.mergeKeysFromHeaders(r, jobID)

	job, err := a.store.LoadJob(jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if job.StepByID(stepID) == nil {
		a.error(w, http.StatusNotFound, "not_found", "step not found")
		return
	}
	go func() {
		if err := a.runner.BgRemoveStep(context.Background(), jobID, stepID); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Str("step_id", stepID).Msg("background removal failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"status": "removing_background"})
}

type plateAndRetryRequest struct {
	RemovePrompt string `json:"remove_prompt,omitempty"`
	RetryPrompt  string `json:"retry_prompt,omitempty"`
}

func (a *App) plateAndRetryStep(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")

	var req plateAndRetryRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.mergeKeysFromHeaders(r, jobID)

	job, err := a.store.LoadJob(jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if job.StepByID(stepID) == nil {
		a.error(w, http.StatusNotFound, "not_found", "step not found")
		return
	}
	go func() {
		if err := a.runner.PlateAndRetry(context.Background(), jobID, stepID, req.RemovePrompt, req.RetryPrompt); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Str("step_id", stepID).Msg("plate and retry failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"status": "plate_and_retry"})
}

func (a *App) replaceStepImage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")

	path, _, cleanup, err := a.saveUpload(r, "file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	target := r.FormValue("target")
	if target == "" {
		target = "output"
	}
	asset, err := a.runner.ReplaceStepOutput(jobID, stepID, path, target)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, asset)
}

type setActiveRequest struct {
	AssetID string `json:"asset_id"`
}

func (a *App) setActiveOutput(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := a.decode(r, &req); err != nil || req.AssetID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "asset_id is required")
		return
	}
	step, err := a.runner.SetActiveOutput(chi.URLParam(r, "jobID"), chi.URLParam(r, "stepID"), req.AssetID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, step)
}

type variationsRequest struct {
	Model string `json:"model,omitempty"`
}

func (a *App) stepVariations(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	stepID := chi.URLParam(r, "stepID")

	var req variationsRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	variations, err := a.runner.StepVariations(r.Context(), jobID, stepID, req.Model, r.Header.Get(headerGoogleKey))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"variations": variations})
}

type patchStepRequest struct {
	MaskMode    *domain.MaskMode `json:"mask_mode,omitempty"`
	MaskAssetID *string          `json:"mask_asset_id,omitempty"`
	MaskIntent  *string          `json:"mask_intent,omitempty"`
	MaskPrompt  *string          `json:"mask_prompt,omitempty"`
}

func (a *App) patchStep(w http.ResponseWriter, r *http.Request) {
	var req patchStepRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	patch := runner.MaskPatch{
		Mode:    req.MaskMode,
		AssetID: req.MaskAssetID,
		Intent:  req.MaskIntent,
		Prompt:  req.MaskPrompt,
	}
	step, err := a.runner.PatchStepMask(chi.URLParam(r, "jobID"), chi.URLParam(r, "stepID"), patch)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, step)
}

func (a *App) stepHistory(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.ReadHistory(chi.URLParam(r, "jobID"), chi.URLParam(r, "stepID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"history": records})
}
