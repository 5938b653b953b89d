package runner

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateworks/internal/domain"
	provimage "plateworks/internal/providers/image"
)

// stubEditor is a scriptable Editor for routing and execution tests.
type stubEditor struct {
	name      string
	model     string
	available error
	mask      bool

	result  image.Image
	err     error
	calls   int
	lastReq provimage.EditRequest
	onEdit  func()
}

func (e *stubEditor) Name() string       { return e.name }
func (e *stubEditor) Model() string      { return e.model }
func (e *stubEditor) Available() error   { return e.available }
func (e *stubEditor) SupportsMask() bool { return e.mask }

func (e *stubEditor) Edit(_ context.Context, req provimage.EditRequest) (image.Image, error) {
	e.calls++
	e.lastReq = req
	if e.onEdit != nil {
		e.onEdit()
	}
	return e.result, e.err
}

func readyEditor(name string, mask bool) *stubEditor {
	return &stubEditor{name: name, model: name + "-model", mask: mask}
}

func downEditor(name string, mask bool) *stubEditor {
	return &stubEditor{name: name, model: name + "-model", mask: mask, available: errors.New("no api key configured")}
}

func TestRouteEditorRegistrationOrder(t *testing.T) {
	gemini := readyEditor("gemini", true)
	vertex := readyEditor("vertex", false)
	editors := []provimage.Editor{gemini, vertex}

	got, err := routeEditor(editors, domain.ImageConfig{}, domain.MaskModeNone, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(gemini), got)

	// First editor down, second ready: second wins.
	got, err = routeEditor([]provimage.Editor{downEditor("gemini", true), vertex}, domain.ImageConfig{}, domain.MaskModeNone, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(vertex), got)
}

func TestRouteEditorExplicitProvider(t *testing.T) {
	gemini := readyEditor("gemini", true)
	openai := readyEditor("openai", false)
	editors := []provimage.Editor{gemini, openai}

	got, err := routeEditor(editors, domain.ImageConfig{Provider: "openai"}, domain.MaskModeNone, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(openai), got)

	// An unavailable explicit choice falls through to registration order.
	got, err = routeEditor([]provimage.Editor{gemini, downEditor("openai", false)}, domain.ImageConfig{Provider: "openai"}, domain.MaskModeNone, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(gemini), got)
}

func TestRouteEditorModelNameHint(t *testing.T) {
	gemini := readyEditor("gemini", true)
	openai := readyEditor("openai", false)

	// A stale provider selection loses to a gemini model name.
	got, err := routeEditor([]provimage.Editor{openai, gemini},
		domain.ImageConfig{Provider: "nonexistent", Model: "gemini-2.5-flash-image"}, domain.MaskModeNone, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(gemini), got)
}

func TestRouteEditorManualMaskForcesMaskCapable(t *testing.T) {
	gemini := readyEditor("gemini", true)
	openai := readyEditor("openai", false)

	got, err := routeEditor([]provimage.Editor{openai, gemini},
		domain.ImageConfig{Provider: "openai"}, domain.MaskModeManual, "")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(gemini), got)

	_, err = routeEditor([]provimage.Editor{openai, downEditor("gemini", true)},
		domain.ImageConfig{}, domain.MaskModeManual, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual mask requires the gemini provider")

	_, err = routeEditor([]provimage.Editor{openai}, domain.ImageConfig{}, domain.MaskModeManual, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none is registered")
}

func TestRouteEditorJobKeyMakesEditorReady(t *testing.T) {
	gemini := downEditor("gemini", true)
	vertex := downEditor("vertex", false)

	// A job-level key readies key-based editors but never vertex.
	got, err := routeEditor([]provimage.Editor{vertex, gemini}, domain.ImageConfig{}, domain.MaskModeNone, "user-key")
	require.NoError(t, err)
	assert.Same(t, provimage.Editor(gemini), got)
}

func TestRouteEditorAggregatesAttempts(t *testing.T) {
	_, err := routeEditor([]provimage.Editor{downEditor("gemini", true), downEditor("openai", false)},
		domain.ImageConfig{}, domain.MaskModeNone, "")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Attempts, 2)
	assert.Contains(t, err.Error(), "gemini")
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "check your API keys")
}

func TestRouteEditorNoneRegistered(t *testing.T) {
	_, err := routeEditor(nil, domain.ImageConfig{}, domain.MaskModeNone, "")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
