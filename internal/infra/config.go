package infra

import (
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DataDir           string
	LegacyDataDir     string
	AllowedOrigins    []string
	GeminiAPIKey      string
	GeminiImageModel  string
	GeminiBaseURL     string
	GeminiPlanModel   string
	VertexProjectID   string
	VertexLocation    string
	VertexModel       string
	VertexAccessToken string
	OpenAIAPIKey      string
	OpenAIImageModel  string
	OpenAIBaseURL     string
	FalAPIKey         string
	FalBaseURL        string
	FalBGModel        string
	FalUpscaleModel   string
	ProviderTimeout   time.Duration
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. Nothing is mandatory: a deployment with no provider
// keys still serves storage, events and review operations.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DataDir:           getEnv("DATA_DIR", "./data/jobs"),
		LegacyDataDir:     os.Getenv("LEGACY_DATA_DIR"),
		AllowedOrigins:    []string{getEnv("ALLOWED_ORIGIN", "http://localhost:5173")},
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiImageModel:  getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GeminiPlanModel:   getEnv("GEMINI_PLAN_MODEL", "gemini-1.5-flash"),
		VertexProjectID:   os.Getenv("GCP_PROJECT_ID"),
		VertexLocation:    getEnv("GCP_LOCATION", "us-central1"),
		VertexModel:       getEnv("VERTEX_IMAGE_MODEL", "imagegeneration@006"),
		VertexAccessToken: os.Getenv("VERTEX_ACCESS_TOKEN"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIImageModel:  getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		FalAPIKey:         os.Getenv("FAL_API_KEY"),
		FalBaseURL:        getEnv("FAL_BASE_URL", "https://fal.run"),
		FalBGModel:        getEnv("FAL_BG_MODEL", "fal-ai/birefnet"),
		FalUpscaleModel:   getEnv("FAL_UPSCALE_MODEL", "fal-ai/clarity-upscaler"),
		ProviderTimeout:   time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 180)),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 120)),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
