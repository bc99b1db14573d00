package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	artifactPath   = "/v8/artifacts/"
	headerTag      = "x-artifact-tag"
	headerDuration = "x-artifact-duration"
)

// HTTPClient speaks the artifact store protocol over net/http: HEAD,
// GET and PUT against <base>/v8/artifacts/<key> with bearer
// authentication. The signature tag rides the x-artifact-tag header and
// the original execution duration rides x-artifact-duration, in
// milliseconds. Transport errors surface unwrapped; RemoteProvider
// classifies them.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient returns a client for the artifact store at baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+artifactPath+url.PathEscape(key), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// ArtifactExists issues a HEAD request for key.
func (c *HTTPClient) ArtifactExists(ctx context.Context, key string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("artifact check for %s returned status %d", key, resp.StatusCode)
	}
}

// FetchArtifact downloads the artifact stored under key. Absent keys
// yield ErrMiss.
func (c *HTTPClient) FetchArtifact(ctx context.Context, key string) (*Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMiss
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch for %s returned status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body for %s: %w", key, err)
	}
	return &Artifact{
		Body:     body,
		Tag:      resp.Header.Get(headerTag),
		Duration: parseDurationHeader(resp.Header.Get(headerDuration)),
	}, nil
}

// PutArtifact uploads the artifact under key.
func (c *HTTPClient) PutArtifact(ctx context.Context, key string, artifact *Artifact) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, bytes.NewReader(artifact.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerDuration, strconv.FormatInt(artifact.Duration.Milliseconds(), 10))
	if artifact.Tag != "" {
		req.Header.Set(headerTag, artifact.Tag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("artifact upload for %s returned status %d", key, resp.StatusCode)
	}
	return nil
}

// parseDurationHeader reads a millisecond duration value. Absent or
// malformed headers mean zero; a missing duration never fails a fetch.
func parseDurationHeader(value string) time.Duration {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
