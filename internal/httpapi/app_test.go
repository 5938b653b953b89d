package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateworks/internal/domain"
	provimage "plateworks/internal/providers/image"
	"plateworks/internal/providers/planner"
	"plateworks/internal/pubsub"
	"plateworks/internal/runner"
	"plateworks/internal/storage"
)

type fakeEditor struct{}

func (fakeEditor) Name() string       { return "gemini" }
func (fakeEditor) Model() string      { return "gemini-test" }
func (fakeEditor) Available() error   { return nil }
func (fakeEditor) SupportsMask() bool { return true }

func (fakeEditor) Edit(context.Context, provimage.EditRequest) (image.Image, error) {
	return testImage(64, 64), nil
}

type fakePlanner struct{}

func (fakePlanner) GeneratePlan(context.Context, planner.PlanRequest) (*domain.Plan, error) {
	return &domain.Plan{Steps: []domain.PlanStep{
		{ID: "s1", Name: "Extract", Type: domain.StepTypeExtract, Prompt: "extract it"},
	}}, nil
}

func (fakePlanner) GenerateVariations(context.Context, string, int, string, string) ([]string, error) {
	return []string{"v1", "v2"}, nil
}

type apiHarness struct {
	app    *App
	router http.Handler
	store  *storage.Store
	bus    *pubsub.Bus
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%3 == 0 {
				img.Set(x, y, color.RGBA{A: 255})
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := storage.NewStore(t.TempDir(), "", zerolog.Nop())
	require.NoError(t, err)
	bus := pubsub.NewBus()
	run := runner.New(runner.Options{
		Store:   store,
		Bus:     bus,
		Editors: []provimage.Editor{fakeEditor{}},
		Planner: fakePlanner{},
		Logger:  zerolog.Nop(),
	})
	app := NewApp(Options{Runner: run, Store: store, Bus: bus, Logger: zerolog.Nop()})
	return &apiHarness{app: app, router: app.Router(nil), store: store, bus: bus}
}

func multipartBody(t *testing.T, field string, img image.Image) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(fw, img))
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func (h *apiHarness) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) createJob(t *testing.T) *domain.Job {
	t.Helper()
	body, ct := multipartBody(t, "file", testImage(64, 64))
	rr := h.do(t, http.MethodPost, "/jobs", body, ct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var job domain.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	return &job
}

func TestCreateAndFetchJob(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)
	require.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.SourceAssetID)

	rr := h.do(t, http.MethodGet, "/jobs/"+job.ID, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	rr = h.do(t, http.MethodGet, "/jobs/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_found")
}

func TestCreateJobRequiresFile(t *testing.T) {
	h := newAPIHarness(t)
	rr := h.do(t, http.MethodPost, "/jobs", bytes.NewBufferString("not multipart"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "bad_request")
}

func TestListJobsNewestFirst(t *testing.T) {
	h := newAPIHarness(t)
	first := h.createJob(t)
	time.Sleep(5 * time.Millisecond)
	second := h.createJob(t)

	rr := h.do(t, http.MethodGet, "/jobs", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Jobs []jobSummary `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, second.ID, resp.Jobs[0].ID)
	assert.Equal(t, first.ID, resp.Jobs[1].ID)
}

func TestDeleteJob(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	rr := h.do(t, http.MethodDelete, "/jobs/"+job.ID, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodDelete, "/jobs/"+job.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPlanEndpointMaterializesSteps(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	rr := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/plan", bytes.NewBufferString(`{}`), "application/json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var planned domain.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &planned))
	assert.Equal(t, domain.JobStatusPlanned, planned.Status)
	require.Len(t, planned.Steps, 1)
	assert.Equal(t, domain.StepStatusQueued, planned.Steps[0].Status)
}

func TestGetAssetServesFile(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	rr := h.do(t, http.MethodGet, fmt.Sprintf("/jobs/%s/assets/%s", job.ID, job.SourceAssetID), nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	_, err := png.Decode(bytes.NewReader(rr.Body.Bytes()))
	assert.NoError(t, err)

	rr = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/assets/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUploadMaskAndPatchStep(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	body, ct := multipartBody(t, "file", testImage(64, 64))
	rr := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/assets/mask", body, ct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var mask domain.Asset
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &mask))
	assert.Equal(t, domain.AssetKindMask, mask.Kind)

	// Materialize a step, then point its mask at the upload.
	h.do(t, http.MethodPost, "/jobs/"+job.ID+"/plan", bytes.NewBufferString(`{}`), "application/json")

	patch := fmt.Sprintf(`{"mask_mode": "MANUAL", "mask_asset_id": %q, "mask_intent": "the sign"}`, mask.ID)
	rr = h.do(t, http.MethodPatch, "/jobs/"+job.ID+"/steps/s1", bytes.NewBufferString(patch), "application/json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var step domain.Step
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &step))
	assert.Equal(t, domain.MaskModeManual, step.MaskMode)
	assert.Equal(t, mask.ID, step.MaskAssetID)
	assert.Equal(t, "the sign", step.MaskIntent)
}

func TestStepStopAndAccept(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)
	h.do(t, http.MethodPost, "/jobs/"+job.ID+"/plan", bytes.NewBufferString(`{}`), "application/json")

	rr := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/steps/s1/stop", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var step domain.Step
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &step))
	assert.Equal(t, domain.StepStatusCancelled, step.Status)

	// A cancelled step is not reviewable; accept must refuse.
	rr = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/steps/s1/accept", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestExportStreamsZip(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	rr := h.do(t, http.MethodGet, "/jobs/"+job.ID+"/export", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), job.ID)
	assert.Equal(t, "PK", rr.Body.String()[:2], "zip magic")
}

func TestPauseAllEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.createJob(t)

	rr := h.do(t, http.MethodPost, "/jobs/pause-all", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"paused_jobs":0`)
}

func TestEventsStream(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.router.ServeHTTP(rr, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(job.ID) == 1
	}, time.Second, 5*time.Millisecond)

	h.bus.EmitLog(job.ID, "info", "hello stream")
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("events handler did not terminate on context cancel")
	}

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), ": connected")
	assert.Contains(t, rr.Body.String(), "hello stream")
}

func TestStepHistoryEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	job := h.createJob(t)
	require.NoError(t, h.store.WriteHistory(&storage.HistoryRecord{JobID: job.ID, StepID: "s1", RunID: "r1"}))

	rr := h.do(t, http.MethodGet, "/jobs/"+job.ID+"/steps/s1/history", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"run_id":"r1"`)
}
