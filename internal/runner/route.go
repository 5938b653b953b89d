package runner

import (
	"fmt"
	"strings"

	"plateworks/internal/domain"
	provimage "plateworks/internal/providers/image"
)

// ConfigError reports that no image provider could serve a request. It
// carries every candidate tried and why each was rejected, so the message
// is actionable from the settings screen rather than a bare failure.
type ConfigError struct {
	Attempts []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf(
		"no image generation services available. Attempted: %s. Please check your API keys in Settings.",
		strings.Join(e.Attempts, ", "),
	)
}

// editorReady reports whether an editor can serve a request, taking the
// job-level API key override into account. Vertex authenticates with
// project credentials and never accepts a per-call key.
func editorReady(editor provimage.Editor, apiKey string) error {
	err := editor.Available()
	if err == nil {
		return nil
	}
	if apiKey != "" && editor.Name() != "vertex" {
		return nil
	}
	return err
}

// routeEditor selects the image provider for an EXTRACT/REMOVE/REFRAME/EDIT
// step. Selection is deterministic:
//
//  1. A manual mask forces the mask-capable provider, or fails explicitly.
//  2. An explicitly requested provider wins when it is ready.
//  3. A "gemini" token in the model name routes to gemini even when a stale
//     provider selection says otherwise.
//  4. Otherwise the first ready editor in registration order wins.
//
// When nothing is ready the returned error names every candidate.
func routeEditor(editors []provimage.Editor, cfg domain.ImageConfig, maskMode domain.MaskMode, apiKey string) (provimage.Editor, error) {
	if len(editors) == 0 {
		return nil, &ConfigError{Attempts: []string{"none registered"}}
	}

	if maskMode == domain.MaskModeManual {
		for _, editor := range editors {
			if !editor.SupportsMask() {
				continue
			}
			if err := editorReady(editor, apiKey); err == nil {
				return editor, nil
			}
			return nil, fmt.Errorf("manual mask requires the %s provider, but it is unavailable: %w", editor.Name(), editor.Available())
		}
		return nil, fmt.Errorf("manual mask requires a mask-capable provider, but none is registered")
	}

	requested := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if requested != "" {
		for _, editor := range editors {
			if editor.Name() != requested {
				continue
			}
			if err := editorReady(editor, apiKey); err == nil {
				return editor, nil
			}
		}
	}

	if strings.Contains(strings.ToLower(cfg.Model), "gemini") {
		for _, editor := range editors {
			if editor.Name() == "gemini" && editorReady(editor, apiKey) == nil {
				return editor, nil
			}
		}
	}

	attempts := make([]string, 0, len(editors))
	for _, editor := range editors {
		err := editorReady(editor, apiKey)
		if err == nil {
			return editor, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s (%v)", editor.Name(), err))
	}
	return nil, &ConfigError{Attempts: attempts}
}
