// Package httpapi exposes the pipeline over a JSON HTTP API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"plateworks/internal/domain"
	"plateworks/internal/infra"
	"plateworks/internal/pubsub"
	"plateworks/internal/runner"
	"plateworks/internal/storage"
)

// Keys clients may send alongside a request. Values override or fill the
// stored per-job credentials.
const (
	headerGoogleKey = "X-Google-Api-Key"
	headerOpenAIKey = "X-Openai-Api-Key"
	headerImageKey  = "X-Image-Api-Key"
	headerFalKey    = "X-Fal-Api-Key"
)

const maxUploadBytes = 64 << 20

// App bundles the HTTP handlers with their dependencies.
type App struct {
	runner *runner.Runner
	store  *storage.Store
	bus    *pubsub.Bus
	logger infra.Logger
}

// Options configures a new App.
type Options struct {
	Runner *runner.Runner
	Store  *storage.Store
	Bus    *pubsub.Bus
	Logger infra.Logger
}

// NewApp builds the handler set.
func NewApp(opts Options) *App {
	return &App{
		runner: opts.Runner,
		store:  opts.Store,
		bus:    opts.Bus,
		logger: opts.Logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// fail maps a domain error to an HTTP error response.
func (a *App) fail(w http.ResponseWriter, err error) {
	var cfgErr *runner.ConfigError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrAssetFileMissing):
		a.error(w, http.StatusNotFound, "asset_file_missing", err.Error())
	case errors.Is(err, domain.ErrMaskMismatch):
		a.error(w, http.StatusBadRequest, "mask_mismatch", err.Error())
	case errors.As(err, &cfgErr):
		a.error(w, http.StatusBadRequest, "config_error", err.Error())
	default:
		a.logger.Error().Err(err).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (a *App) decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// saveUpload copies one multipart file field to a temp file and returns its
// path, the client filename and a cleanup func.
func (a *App) saveUpload(r *http.Request, field string) (string, string, func(), error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", nil, fmt.Errorf("httpapi: parse multipart form: %w", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", "", nil, fmt.Errorf("httpapi: missing %q file field: %w", field, err)
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("httpapi: create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", nil, fmt.Errorf("httpapi: write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", nil, fmt.Errorf("httpapi: close upload: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	return tmp.Name(), uploadName(header), cleanup, nil
}

func uploadName(h *multipart.FileHeader) string {
	if h == nil || h.Filename == "" {
		return "upload.png"
	}
	return h.Filename
}

// mergeKeysFromHeaders folds any credential headers on the request into the
// job's stored keys. Best effort: a missing job surfaces later in the
// handler proper.
func (a *App) mergeKeysFromHeaders(r *http.Request, jobID string) {
	google := r.Header.Get(headerGoogleKey)
	openai := r.Header.Get(headerOpenAIKey)
	image := r.Header.Get(headerImageKey)
	fal := r.Header.Get(headerFalKey)
	if google == "" && openai == "" && image == "" && fal == "" {
		return
	}
	if _, err := a.runner.UpdateJobKeys(jobID, google, openai, image, fal); err != nil {
		a.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to update job keys from headers")
	}
}
