// Package vertex calls the Vertex AI prediction endpoint for Imagen
// image editing. Unlike the public Gemini API it authenticates with an
// OAuth access token scoped to a GCP project.
package vertex

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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Options controls how the Vertex client is configured. AccessToken is a
// static bearer token for deployments without application default
// credentials; when empty, ADC is used at call time.
type Options struct {
	ProjectID   string
	Location    string
	Model       string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Client performs HTTP calls against a Vertex AI prediction endpoint.
type Client struct {
	projectID   string
	location    string
	model       string
	accessToken string
	baseURL     string
	httpClient  *http.Client

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
}

// EditRequest carries one image-edit invocation.
type EditRequest struct {
	Input  []byte
	Prompt string
	Model  string
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string        `json:"prompt"`
	Image  *predictImage `json:"image,omitempty"`
}

type predictImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	EditMode    string `json:"editMode,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

// NewClient constructs a Vertex client with sane defaults.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 180 * time.Second}
	}
	location := opts.Location
	if location == "" {
		location = "us-central1"
	}
	model := opts.Model
	if model == "" {
		model = "imagegeneration@006"
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
	}
	return &Client{
		projectID:   strings.TrimSpace(opts.ProjectID),
		location:    location,
		model:       model,
		accessToken: strings.TrimSpace(opts.AccessToken),
		baseURL:     baseURL,
		httpClient:  client,
	}
}

// Model returns the configured Imagen model identifier.
func (c *Client) Model() string { return c.model }

// HasCredentials reports whether the client can authenticate at all. A
// project id is the only hard requirement: the token comes either from the
// static configuration or from application default credentials at call time.
func (c *Client) HasCredentials() bool {
	return c.projectID != ""
}

// token resolves the bearer token for one call. A statically configured
// token wins; otherwise an ADC token source is built once and reused.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.accessToken != "" {
		return c.accessToken, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenSource == nil {
		ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return "", fmt.Errorf("vertex: application default credentials: %w", err)
		}
		c.tokenSource = ts
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("vertex: fetch access token: %w", err)
	}
	return tok.AccessToken, nil
}

// EditImage sends the input image and prompt and returns the edited image.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (image.Image, error) {
	if !c.HasCredentials() {
		return nil, fmt.Errorf("vertex: project id is required")
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	payload := predictRequest{
		Instances: []predictInstance{{
			Prompt: req.Prompt,
			Image:  &predictImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.Input)},
		}},
		Parameters: predictParameters{SampleCount: 1, EditMode: "inpainting-insert"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vertex: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf(
		"%s/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.baseURL, c.projectID, c.location, model,
	)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vertex: invoke imagen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vertex: imagen status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var response predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("vertex: decode imagen response: %w", err)
	}
	if len(response.Predictions) == 0 || response.Predictions[0].BytesBase64Encoded == "" {
		return nil, fmt.Errorf("vertex: model returned no image output")
	}
	data, err := base64.StdEncoding.DecodeString(response.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return nil, fmt.Errorf("vertex: decode image payload: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vertex: decode image: %w", err)
	}
	return img, nil
}
