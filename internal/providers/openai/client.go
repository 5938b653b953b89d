// Package openai calls the OpenAI images/edits endpoint for image-to-image
// editing with gpt-image models.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Options controls how the OpenAI client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Quality    string
	HTTPClient *http.Client
}

// Client performs HTTP calls against the OpenAI image API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	quality    string
	httpClient *http.Client
}

// EditRequest carries one image-edit invocation. APIKey, when set, takes
// precedence over the client's configured key for this call only.
type EditRequest struct {
	Input   []byte
	Prompt  string
	Model   string
	Quality string
	APIKey  string
}

type imageEditResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewClient constructs an OpenAI client with sane defaults.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 180 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := opts.Model
	if model == "" {
		model = "gpt-image-1"
	}
	quality := opts.Quality
	if quality == "" {
		quality = "medium"
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		quality:    quality,
		httpClient: client,
	}
}

// Model returns the configured image model identifier.
func (c *Client) Model() string { return c.model }

// HasCredentials reports whether a key is configured on the client itself.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// EditImage sends the input image and prompt as a multipart form and
// returns the edited image. gpt-image models return base64 payloads.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (image.Image, error) {
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	quality := req.Quality
	if quality == "" {
		quality = c.quality
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", "input.png")
	if err != nil {
		return nil, fmt.Errorf("openai: build multipart form: %w", err)
	}
	if _, err := part.Write(req.Input); err != nil {
		return nil, fmt.Errorf("openai: build multipart form: %w", err)
	}
	for field, value := range map[string]string{
		"model":   model,
		"prompt":  req.Prompt,
		"quality": quality,
		"n":       "1",
	} {
		if err := writer.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("openai: build multipart form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("openai: build multipart form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", &body)
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: invoke images/edits: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("openai: images/edits status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai: images/edits status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response imageEditResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("openai: decode images/edits response: %w", err)
	}
	if len(response.Data) == 0 || response.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("openai: model returned no image output")
	}
	data, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai: decode image payload: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: decode image: %w", err)
	}
	return img, nil
}
