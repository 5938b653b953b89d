package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"plateworks/internal/domain"
	"plateworks/internal/runner"
	"plateworks/pkg/zip"
)

// jobSummary is the list-view projection of a job.
type jobSummary struct {
	ID            string           `json:"id"`
	Status        domain.JobStatus `json:"status"`
	SourceAssetID string           `json:"source_asset_id,omitempty"`
	StepCount     int              `json:"step_count"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

func (a *App) createJob(w http.ResponseWriter, r *http.Request) {
	path, name, cleanup, err := a.saveUpload(r, "file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	job, err := a.runner.CreateJob(path, name)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, job)
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := a.store.ListJobs()
	if err != nil {
		a.fail(w, err)
		return
	}
	summaries := make([]jobSummary, 0, len(ids))
	jobs := make(map[string]*domain.Job, len(ids))
	for _, id := range ids {
		job, err := a.store.LoadJob(id)
		if err != nil {
			a.logger.Warn().Err(err).Str("job_id", id).Msg("skipping unreadable job")
			continue
		}
		jobs[id] = job
		summaries = append(summaries, jobSummary{
			ID:            job.ID,
			Status:        job.Status,
			SourceAssetID: job.SourceAssetID,
			StepCount:     len(job.Steps),
			CreatedAt:     job.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:     job.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return jobs[summaries[i].ID].CreatedAt.After(jobs[summaries[j].ID].CreatedAt)
	})
	a.json(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.LoadJob(chi.URLParam(r, "jobID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	deleted, err := a.store.DeleteJob(jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	if !deleted {
		a.error(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %s not found", jobID))
		return
	}
	a.json(w, http.StatusOK, map[string]any{"deleted": true})
}

type planRequest struct {
	Model       string              `json:"model,omitempty"`
	ImageConfig *domain.ImageConfig `json:"image_config,omitempty"`
}

func (a *App) planJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req planRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.mergeKeysFromHeaders(r, jobID)

	opts := runner.PlanOptions{
		Model:       req.Model,
		APIKey:      r.Header.Get(headerGoogleKey),
		ImageConfig: req.ImageConfig,
		ImageAPIKey: firstHeader(r, headerImageKey, headerGoogleKey, headerOpenAIKey),
	}
	job, err := a.runner.PlanJob(r.Context(), jobID, opts)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) runJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	a.mergeKeysFromHeaders(r, jobID)

	if _, err := a.store.LoadJob(jobID); err != nil {
		a.fail(w, err)
		return
	}
	go func() {
		if _, err := a.runner.RunJob(context.Background(), jobID); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Msg("job run failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"status": "running"})
}

type reframeRequest struct {
	Prompt      string              `json:"prompt,omitempty"`
	ImageConfig *domain.ImageConfig `json:"image_config,omitempty"`
}

func (a *App) reframeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req reframeRequest
	if err := a.decode(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	a.mergeKeysFromHeaders(r, jobID)

	stepID, err := a.runner.ReframeJob(jobID, req.Prompt, req.ImageConfig)
	if err != nil {
		a.fail(w, err)
		return
	}
	go func() {
		if _, err := a.runner.RunStep(context.Background(), jobID, stepID, ""); err != nil {
			a.logger.Error().Err(err).Str("job_id", jobID).Str("step_id", stepID).Msg("reframe step failed")
		}
	}()
	a.json(w, http.StatusAccepted, map[string]any{"step_id": stepID})
}

func (a *App) pauseAll(w http.ResponseWriter, r *http.Request) {
	count, err := a.runner.PauseAll()
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"paused_jobs": count})
}

func (a *App) uploadMask(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	path, _, cleanup, err := a.saveUpload(r, "file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer cleanup()

	asset, err := a.runner.UploadMask(jobID, path)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, asset)
}

func (a *App) getAsset(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.LoadJob(chi.URLParam(r, "jobID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	path, err := a.store.ResolveAssetPath(job, chi.URLParam(r, "assetID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (a *App) exportJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := a.store.LoadJob(jobID); err != nil {
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job_%s.zip"`, jobID))
	entries := []string{"job.json", "assets", "history"}
	if err := zip.Archive(w, a.store.JobDir(jobID), entries); err != nil {
		// Headers are already out; all we can do is log.
		a.logger.Error().Err(err).Str("job_id", jobID).Msg("export failed mid-stream")
	}
}

func (a *App) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for frame := range a.bus.Subscribe(r.Context(), jobID) {
		if _, err := fmt.Fprint(w, frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
