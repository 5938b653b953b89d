package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("GCP_LOCATION", "")
	t.Setenv("FAL_BG_MODEL", "")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "us-central1", cfg.VertexLocation)
	assert.Equal(t, "fal-ai/birefnet", cfg.FalBGModel)
	assert.Equal(t, 180*time.Second, cfg.ProviderTimeout)
}

func TestLoadConfigReadsVertexCredentials(t *testing.T) {
	t.Setenv("GCP_PROJECT_ID", "proj-42")
	t.Setenv("VERTEX_ACCESS_TOKEN", "ya29.token")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "proj-42", cfg.VertexProjectID)
	assert.Equal(t, "ya29.token", cfg.VertexAccessToken)
}
