// Package storage maps the job aggregate onto a durable directory tree.
//
// Per-job layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/assets/{source,generations,masks,derived}/
//	<root>/<job_id>/history/
//	<root>/<job_id>/exports/
//
// job.json is always written with an atomic replace so a reader never
// observes a half-written record.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"plateworks/internal/domain"
	"plateworks/internal/infra"
)

// Asset category subfolders under <job>/assets.
const (
	SubdirSource      = "source"
	SubdirGenerations = "generations"
	SubdirMasks       = "masks"
	SubdirDerived     = "derived"
)

var assetSubdirs = []string{SubdirSource, SubdirGenerations, SubdirMasks, SubdirDerived}

// Store persists jobs, assets and run history on the local filesystem.
type Store struct {
	basePath   string
	legacyPath string
	logger     infra.Logger
}

// NewStore initializes a Store rooted at basePath. legacyPath may be empty;
// when set it is consulted as a fallback for records and assets written by
// older versions under a different root.
func NewStore(basePath, legacyPath string, logger infra.Logger) (*Store, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &Store{basePath: basePath, legacyPath: strings.TrimSpace(legacyPath), logger: logger}, nil
}

// BasePath returns the configured root directory.
func (s *Store) BasePath() string { return s.basePath }

// JobDir returns the absolute path of a job's directory.
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.basePath, jobID)
}

func (s *Store) jobDir(jobID string) string {
	return s.JobDir(jobID)
}

func (s *Store) jobFile(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "job.json")
}

// AssetsSubdir returns the absolute path of one asset category folder.
func (s *Store) AssetsSubdir(jobID, subdir string) string {
	return filepath.Join(s.jobDir(jobID), "assets", subdir)
}

// ExportsDir returns the absolute path of the job's exports folder.
func (s *Store) ExportsDir(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "exports")
}

// CreateJob allocates the directory structure for a new job and writes an
// empty record. Directory creation is idempotent. When jobID is empty a new
// id is allocated.
func (s *Store) CreateJob(jobID string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	for _, sub := range assetSubdirs {
		if err := os.MkdirAll(s.AssetsSubdir(jobID, sub), 0o755); err != nil {
			return "", fmt.Errorf("storage: create job dirs: %w", err)
		}
	}
	for _, dir := range []string{s.historyDir(jobID), s.ExportsDir(jobID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("storage: create job dirs: %w", err)
		}
	}
	if err := s.SaveJob(domain.NewJob(jobID)); err != nil {
		return "", err
	}
	return jobID, nil
}

// SaveJob serializes the full job record with an atomic temp-write-and-rename
// and refreshes UpdatedAt.
func (s *Store) SaveJob(job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	blob, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal job %s: %w", job.ID, err)
	}

	target := s.jobFile(job.ID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("storage: ensure job dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("storage: write job record: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("storage: replace job record: %w", err)
	}
	return nil
}

// LoadJob reads the control record, falling back to the legacy root when the
// record is absent under the current one. Every load runs a recovery pass
// that repairs asset metadata lost to a prior crash; the repaired record is
// written back only when something changed.
func (s *Store) LoadJob(jobID string) (*domain.Job, error) {
	blob, err := os.ReadFile(s.jobFile(jobID))
	if err != nil && s.legacyPath != "" {
		blob, err = os.ReadFile(filepath.Join(s.legacyPath, jobID, "job.json"))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("storage: read job %s: %w", jobID, err)
	}

	var job domain.Job
	if err := json.Unmarshal(blob, &job); err != nil {
		return nil, fmt.Errorf("storage: decode job %s: %w", jobID, err)
	}
	if job.Assets == nil {
		job.Assets = map[string]*domain.Asset{}
	}

	if s.recover(&job) {
		if err := s.SaveJob(&job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("storage: write-back after recovery failed")
		}
	}
	return &job, nil
}

// recover registers orphan asset files and reattaches outputs to steps that
// lost theirs. Returns true when the record changed. Running it twice in a
// row is a no-op the second time.
func (s *Store) recover(job *domain.Job) bool {
	changed := false

	known := make(map[string]bool, len(job.Assets))
	for _, a := range job.Assets {
		known[filepath.ToSlash(a.Path)] = true
	}

	for _, sub := range assetSubdirs {
		dir := s.AssetsSubdir(job.ID, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			rel := filepath.ToSlash(filepath.Join("assets", sub, entry.Name()))
			if known[rel] {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			asset := &domain.Asset{
				ID:        uuid.NewString(),
				Kind:      inferKind(sub, entry.Name()),
				Path:      rel,
				StepID:    inferStepID(job, entry.Name()),
				CreatedAt: info.ModTime().UTC(),
			}
			if w, h, err := decodeDimensions(filepath.Join(dir, entry.Name())); err == nil {
				asset.Width, asset.Height = w, h
			}
			job.Assets[asset.ID] = asset
			known[rel] = true
			changed = true
			s.logger.Info().
				Str("job_id", job.ID).
				Str("asset_id", asset.ID).
				Str("path", rel).
				Msg("storage: registered orphan asset")
		}
	}

	for _, step := range job.Steps {
		if step.OutputAssetID != "" {
			continue
		}
		latest := latestAssetForStep(job, step.ID)
		if latest == nil {
			continue
		}
		step.OutputAssetID = latest.ID
		if n := len(step.OutputHistory); n == 0 || step.OutputHistory[n-1] != latest.ID {
			step.OutputHistory = append(step.OutputHistory, latest.ID)
		}
		switch step.Status {
		case domain.StepStatusCancelled, domain.StepStatusQueued, domain.StepStatusFailed:
			step.Status = domain.StepStatusNeedsReview
			step.ActionsAvailable = domain.ReviewActions()
		}
		changed = true
		s.logger.Info().
			Str("job_id", job.ID).
			Str("step_id", step.ID).
			Str("asset_id", latest.ID).
			Msg("storage: reattached step output")
	}

	return changed
}

func latestAssetForStep(job *domain.Job, stepID string) *domain.Asset {
	var latest *domain.Asset
	for _, a := range job.Assets {
		if a.StepID != stepID || a.Kind == domain.AssetKindMask {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	return latest
}

// inferKind guesses an asset kind from its category folder and filename
// tokens. Used only during recovery of unreferenced files.
func inferKind(subdir, name string) domain.AssetKind {
	switch subdir {
	case SubdirSource:
		return domain.AssetKindSource
	case SubdirMasks:
		return domain.AssetKindMask
	case SubdirDerived:
		return domain.AssetKindBGRemoved
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "extract"):
		return domain.AssetKindLayer
	case strings.Contains(lower, "remove"), strings.Contains(lower, "plate"):
		return domain.AssetKindPlate
	default:
		return domain.AssetKindGeneration
	}
}

// inferStepID matches the step-id token in a generated filename
// (<timestamp>_<step8>_<run8>_<label>.<ext>) back to a known step.
func inferStepID(job *domain.Job, name string) string {
	parts := strings.Split(strings.TrimSuffix(name, filepath.Ext(name)), "_")
	if len(parts) < 3 {
		return ""
	}
	token := parts[1]
	for _, step := range job.Steps {
		if strings.HasPrefix(step.ID, token) {
			return step.ID
		}
	}
	return ""
}

// assetFilename builds a collision-safe, human-traceable filename.
func assetFilename(stepID, runID, label, ext string) string {
	ts := time.Now().UTC().Format("20060102T150405.000")
	ts = strings.ReplaceAll(ts, ".", "")
	if label == "" {
		label = "asset"
	}
	return fmt.Sprintf("%s_%s_%s_%s%s", ts, shortID(stepID), shortID(runID), label, ext)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "none"
	}
	return id
}

// SaveAssetFile copies an existing file into the proper category subfolder,
// records its dimensions and inserts it into the job's asset map. The caller
// is responsible for persisting the job afterwards (or this method does when
// persist is true via SaveJob).
func (s *Store) SaveAssetFile(job *domain.Job, srcPath string, kind domain.AssetKind, stepID, runID string) (*domain.Asset, error) {
	subdir := subdirForKind(kind)
	ext := filepath.Ext(srcPath)
	if ext == "" {
		ext = ".png"
	}
	name := assetFilename(stepID, runID, strings.ToLower(string(kind)), ext)
	destDir := s.AssetsSubdir(job.ID, subdir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure asset dir: %w", err)
	}
	dest := filepath.Join(destDir, name)
	if err := copyFile(srcPath, dest); err != nil {
		return nil, fmt.Errorf("storage: copy asset: %w", err)
	}

	asset := &domain.Asset{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      filepath.ToSlash(filepath.Join("assets", subdir, name)),
		StepID:    stepID,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	if w, h, err := decodeDimensions(dest); err == nil {
		asset.Width, asset.Height = w, h
	}
	job.Assets[asset.ID] = asset
	if err := s.SaveJob(job); err != nil {
		return nil, err
	}
	return asset, nil
}

// SaveGeneratedImage persists an in-memory image under the step/run with the
// given label, mirroring the SaveAssetFile contract.
func (s *Store) SaveGeneratedImage(job *domain.Job, stepID, runID, label string, img image.Image, kind domain.AssetKind, subdir string) (*domain.Asset, error) {
	if subdir == "" {
		subdir = subdirForKind(kind)
	}
	name := assetFilename(stepID, runID, label, ".png")
	destDir := s.AssetsSubdir(job.ID, subdir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure asset dir: %w", err)
	}
	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("storage: create asset file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: encode asset: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("storage: close asset file: %w", err)
	}

	bounds := img.Bounds()
	asset := &domain.Asset{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      filepath.ToSlash(filepath.Join("assets", subdir, name)),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		StepID:    stepID,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
	job.Assets[asset.ID] = asset
	if err := s.SaveJob(job); err != nil {
		return nil, err
	}
	return asset, nil
}

// ResolveAssetPath finds an asset's file on disk, trying the current root,
// the legacy root and the recorded path as an absolute location. A missing
// job or asset record is domain.ErrNotFound; a record whose file is gone
// from every candidate is domain.ErrAssetFileMissing.
func (s *Store) ResolveAssetPath(job *domain.Job, assetID string) (string, error) {
	asset, ok := job.Assets[assetID]
	if !ok {
		return "", fmt.Errorf("storage: asset %s: %w", assetID, domain.ErrNotFound)
	}
	rel := filepath.FromSlash(asset.Path)
	candidates := []string{filepath.Join(s.jobDir(job.ID), rel)}
	if s.legacyPath != "" {
		candidates = append(candidates, filepath.Join(s.legacyPath, job.ID, rel))
	}
	if filepath.IsAbs(rel) {
		candidates = append(candidates, rel)
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("storage: asset %s at %s: %w", assetID, asset.Path, domain.ErrAssetFileMissing)
}

// ListJobs enumerates job ids with a readable control record.
func (s *Store) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.jobFile(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// DeleteJob removes the job's entire subtree. Returns false when the job
// directory did not exist.
func (s *Store) DeleteJob(jobID string) (bool, error) {
	dir := s.jobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat job dir: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("storage: delete job: %w", err)
	}
	return true, nil
}

// NewRunID allocates a run identifier for history correlation.
func (s *Store) NewRunID() string { return uuid.NewString() }

func subdirForKind(kind domain.AssetKind) string {
	switch kind {
	case domain.AssetKindSource:
		return SubdirSource
	case domain.AssetKindMask:
		return SubdirMasks
	case domain.AssetKindBGRemoved:
		return SubdirDerived
	default:
		return SubdirGenerations
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
