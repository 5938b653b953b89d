// Package fal calls fal.ai hosted models through the synchronous fal.run
// endpoint. Two model families are used: BiRefNet for background removal
// and Clarity for upscaling.
package fal

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
	"net/http"
	"strings"
	"time"
)

// Options controls how the fal client is configured.
type Options struct {
	APIKey       string
	BaseURL      string
	BgModel      string
	UpscaleModel string
	HTTPClient   *http.Client
}

// Client performs HTTP calls against fal.run model endpoints.
type Client struct {
	apiKey       string
	baseURL      string
	bgModel      string
	upscaleModel string
	httpClient   *http.Client
}

type falImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

type falResponse struct {
	Image  *falImage  `json:"image,omitempty"`
	Images []falImage `json:"images,omitempty"`
}

// NewClient constructs a fal client with sane defaults.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fal.run"
	}
	bgModel := opts.BgModel
	if bgModel == "" {
		bgModel = "fal-ai/birefnet"
	}
	upscaleModel := opts.UpscaleModel
	if upscaleModel == "" {
		upscaleModel = "fal-ai/clarity-upscaler"
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		bgModel:      bgModel,
		upscaleModel: upscaleModel,
		httpClient:   client,
	}
}

// BgModel returns the configured background-removal model identifier.
func (c *Client) BgModel() string { return c.bgModel }

// UpscaleModel returns the configured upscale model identifier.
func (c *Client) UpscaleModel() string { return c.upscaleModel }

// HasCredentials reports whether a key is configured on the client itself.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// RemoveBackground runs the input image through BiRefNet and returns the
// subject isolated on a transparent background.
func (c *Client) RemoveBackground(ctx context.Context, input []byte, model, apiKey string) (image.Image, error) {
	if model == "" {
		model = c.bgModel
	}
	payload := map[string]any{
		"image_url": dataURI(input),
	}
	return c.run(ctx, model, apiKey, payload)
}

// Upscale runs the input image through the upscaler with the given scale
// factor. Models accept factors in [1, 6]; callers clamp before invoking.
func (c *Client) Upscale(ctx context.Context, input []byte, factor float64, model, apiKey string) (image.Image, error) {
	if model == "" {
		model = c.upscaleModel
	}
	payload := map[string]any{
		"image_url":    dataURI(input),
		"scale_factor": factor,
	}
	return c.run(ctx, model, apiKey, payload)
}

func (c *Client) run(ctx context.Context, model, apiKey string, payload map[string]any) (image.Image, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("fal: api key is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fal: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/" + strings.TrimLeft(model, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fal: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal: invoke %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fal: %s status %d: %s", model, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response falResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("fal: decode %s response: %w", model, err)
	}
	out := response.Image
	if out == nil && len(response.Images) > 0 {
		out = &response.Images[0]
	}
	if out == nil || out.URL == "" {
		return nil, fmt.Errorf("fal: %s returned no image output", model)
	}
	return c.fetchImage(ctx, out.URL, key)
}

// fetchImage resolves a result URL, which is either a data URI inlined in
// the response or an https URL to fal's asset storage.
func (c *Client) fetchImage(ctx context.Context, imageURL, key string) (image.Image, error) {
	if strings.HasPrefix(imageURL, "data:") {
		idx := strings.Index(imageURL, ",")
		if idx < 0 {
			return nil, fmt.Errorf("fal: malformed data uri in response")
		}
		data, err := base64.StdEncoding.DecodeString(imageURL[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("fal: decode data uri: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("fal: decode image: %w", err)
		}
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fal: create download request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+key)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal: download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fal: download result status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fal: decode downloaded image: %w", err)
	}
	return img, nil
}

func dataURI(input []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(input)
}
