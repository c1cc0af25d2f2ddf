// Package identity talks to the hosted identity provider's backend API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.clerk.com"

// MetadataWriter attaches metadata to an external identity.
type MetadataWriter interface {
	UpdatePublicMetadata(ctx context.Context, subjectID string, metadata map[string]any) error
}

type Config struct {
	APIURL    string
	SecretKey string
	Timeout   time.Duration
}

// Client is a minimal backend API client authenticated with the instance secret key.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.APIURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity provider returned status %d: %s", e.StatusCode, e.Body)
}

type metadataRequest struct {
	PublicMetadata map[string]any `json:"public_metadata"`
}

// UpdatePublicMetadata merges metadata into the identity's public metadata.
func (c *Client) UpdatePublicMetadata(ctx context.Context, subjectID string, metadata map[string]any) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("subject id is required")
	}

	body, err := json.Marshal(metadataRequest{PublicMetadata: metadata})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/users/%s/metadata", c.baseURL, url.PathEscape(subjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// NoopWriter is used when no backend API key is configured.
type NoopWriter struct{}

func (NoopWriter) UpdatePublicMetadata(context.Context, string, map[string]any) error {
	return nil
}
