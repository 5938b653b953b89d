package vertex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCredentialsNeedsProjectOnly(t *testing.T) {
	assert.True(t, NewClient(Options{ProjectID: "proj-1"}).HasCredentials())
	assert.True(t, NewClient(Options{ProjectID: "proj-1", AccessToken: "tok"}).HasCredentials())
	assert.False(t, NewClient(Options{}).HasCredentials())
	assert.False(t, NewClient(Options{AccessToken: "tok"}).HasCredentials())
}

func TestEditImageUsesConfiguredToken(t *testing.T) {
	out := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			out.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, out))

	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]string{{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(buf.Bytes()),
				"mimeType":           "image/png",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient(Options{
		ProjectID:   "proj-1",
		AccessToken: "static-token",
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
	})
	img, err := client.EditImage(context.Background(), EditRequest{
		Input:  buf.Bytes(),
		Prompt: "remove the mug",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, "Bearer static-token", gotAuth)
	assert.Contains(t, gotPath, "/projects/proj-1/locations/us-central1/")
	assert.True(t, strings.HasSuffix(gotPath, "imagegeneration@006:predict"))
}

func TestEditImageRequiresProject(t *testing.T) {
	client := NewClient(Options{AccessToken: "tok"})
	_, err := client.EditImage(context.Background(), EditRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id")
}
