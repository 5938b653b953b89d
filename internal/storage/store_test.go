package storage

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateworks/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), "", zerolog.Nop())
	require.NoError(t, err)
	return store
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	return img
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testImage(w, h)))
	require.NoError(t, f.Close())
}

func TestCreateJobAllocatesLayout(t *testing.T) {
	store := newTestStore(t)

	jobID, err := store.CreateJob("")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	for _, sub := range []string{SubdirSource, SubdirGenerations, SubdirMasks, SubdirDerived} {
		assert.DirExists(t, store.AssetsSubdir(jobID, sub))
	}
	assert.DirExists(t, store.ExportsDir(jobID))

	job, err := store.LoadJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusIdle, job.Status)
	assert.Empty(t, job.Steps)
}

func TestSaveJobLeavesNoTempFile(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)

	job, err := store.LoadJob(jobID)
	require.NoError(t, err)
	job.Status = domain.JobStatusRunning
	require.NoError(t, store.SaveJob(job))

	assert.NoFileExists(t, filepath.Join(store.JobDir(jobID), "job.json.tmp"))

	reloaded, err := store.LoadJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, reloaded.Status)
}

func TestLoadJobNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadJob("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadJobLegacyFallback(t *testing.T) {
	legacyRoot := t.TempDir()
	legacy, err := NewStore(legacyRoot, "", zerolog.Nop())
	require.NoError(t, err)
	jobID, err := legacy.CreateJob("")
	require.NoError(t, err)

	store, err := NewStore(t.TempDir(), legacyRoot, zerolog.Nop())
	require.NoError(t, err)

	job, err := store.LoadJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
}

func TestRecoverRegistersOrphanAssets(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)

	// Simulate a crash between the file write and the record update.
	orphan := filepath.Join(store.AssetsSubdir(jobID, SubdirGenerations), "20240101T000000000_stepaaaa_runbbbbb_extract.png")
	writeTestPNG(t, orphan, 8, 6)

	job, err := store.LoadJob(jobID)
	require.NoError(t, err)
	require.Len(t, job.Assets, 1)
	for _, asset := range job.Assets {
		assert.Equal(t, domain.AssetKindLayer, asset.Kind)
		assert.Equal(t, 8, asset.Width)
		assert.Equal(t, 6, asset.Height)
	}

	// A second load must not register the same file again.
	again, err := store.LoadJob(jobID)
	require.NoError(t, err)
	assert.Len(t, again.Assets, 1)
}

func TestRecoverReattachesStepOutput(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)

	job, err := store.LoadJob(jobID)
	require.NoError(t, err)
	job.Steps = append(job.Steps, &domain.Step{
		ID:     "stepaaaa-1111",
		Type:   domain.StepTypeExtract,
		Status: domain.StepStatusFailed,
	})
	require.NoError(t, store.SaveJob(job))

	orphan := filepath.Join(store.AssetsSubdir(jobID, SubdirGenerations), "20240101T000000000_stepaaaa_runbbbbb_extract.png")
	writeTestPNG(t, orphan, 8, 6)

	recovered, err := store.LoadJob(jobID)
	require.NoError(t, err)
	step := recovered.StepByID("stepaaaa-1111")
	require.NotNil(t, step)
	assert.NotEmpty(t, step.OutputAssetID)
	assert.Equal(t, domain.StepStatusNeedsReview, step.Status)
	assert.Equal(t, domain.ReviewActions(), step.ActionsAvailable)
}

func TestSaveAssetFileCopiesAndRecords(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)
	job, err := store.LoadJob(jobID)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "upload.png")
	writeTestPNG(t, src, 10, 5)

	asset, err := store.SaveAssetFile(job, src, domain.AssetKindSource, "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.AssetKindSource, asset.Kind)
	assert.Equal(t, 10, asset.Width)
	assert.Equal(t, 5, asset.Height)
	assert.True(t, strings.HasPrefix(asset.Path, "assets/source/"))

	// The record must already be persisted.
	reloaded, err := store.LoadJob(jobID)
	require.NoError(t, err)
	_, ok := reloaded.Assets[asset.ID]
	assert.True(t, ok)

	path, err := store.ResolveAssetPath(reloaded, asset.ID)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSaveGeneratedImage(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)
	job, err := store.LoadJob(jobID)
	require.NoError(t, err)

	asset, err := store.SaveGeneratedImage(job, "step-1", "run-1", "extract", testImage(12, 7), domain.AssetKindLayer, "")
	require.NoError(t, err)
	assert.Equal(t, 12, asset.Width)
	assert.Equal(t, 7, asset.Height)
	assert.True(t, strings.HasPrefix(asset.Path, "assets/generations/"))
	assert.Equal(t, "step-1", asset.StepID)
	assert.Equal(t, "run-1", asset.RunID)
}

func TestResolveAssetPathErrors(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)
	job, err := store.LoadJob(jobID)
	require.NoError(t, err)

	_, err = store.ResolveAssetPath(job, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job.Assets["gone"] = &domain.Asset{ID: "gone", Kind: domain.AssetKindSource, Path: "assets/source/gone.png"}
	_, err = store.ResolveAssetPath(job, "gone")
	assert.ErrorIs(t, err, domain.ErrAssetFileMissing)
}

func TestListAndDeleteJobs(t *testing.T) {
	store := newTestStore(t)
	first, err := store.CreateJob("")
	require.NoError(t, err)
	second, err := store.CreateJob("")
	require.NoError(t, err)

	ids, err := store.ListJobs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, ids)

	deleted, err := store.DeleteJob(first)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteJob(first)
	require.NoError(t, err)
	assert.False(t, deleted)

	ids, err = store.ListJobs()
	require.NoError(t, err)
	assert.Equal(t, []string{second}, ids)
}

func TestHistoryWriteAndRead(t *testing.T) {
	store := newTestStore(t)
	jobID, err := store.CreateJob("")
	require.NoError(t, err)

	for i, stepID := range []string{"step-a", "step-b", "step-a"} {
		rec := &HistoryRecord{
			JobID:      jobID,
			StepID:     stepID,
			RunID:      store.NewRunID(),
			PromptFull: strings.Repeat("x", i+1),
			Mask:       HistoryMask{Mode: string(domain.MaskModeNone)},
		}
		require.NoError(t, store.WriteHistory(rec))
		time.Sleep(2 * time.Millisecond) // filenames order by timestamp
	}

	all, err := store.ReadHistory(jobID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "x", all[0].PromptFull)
	assert.Equal(t, "xxx", all[2].PromptFull)

	filtered, err := store.ReadHistory(jobID, "step-a")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	for _, rec := range filtered {
		assert.Equal(t, "step-a", rec.StepID)
	}
}

func TestReadHistoryEmptyJob(t *testing.T) {
	store := newTestStore(t)
	records, err := store.ReadHistory("no-such-job", "")
	require.NoError(t, err)
	assert.Nil(t, records)
}
