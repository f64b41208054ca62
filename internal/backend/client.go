// Package backend implements the HTTP clients for the external
// identity, session-status, log-storage and file-storage services.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/provigil/proctor/internal/config"
	"github.com/provigil/proctor/internal/core"
	"github.com/provigil/proctor/internal/domain"
)

// Client talks to the backend over plain request/response HTTP,
// authenticated with a shared secret header.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewClient(cfg config.BackendConfig) *Client {
	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		// The backend runs on a private network with a self-signed
		// certificate.
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.Endpoint,
		secret:  cfg.Secret,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Secret "+c.secret)
}

// Signin asks the identity service whether the token is valid.
func (c *Client) Signin(ctx context.Context, token string) (core.SigninResult, error) {
	u := fmt.Sprintf("%s/api/signin/%s", c.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return core.SigninResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.SigninResult{}, fmt.Errorf("signin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.SigninResult{}, fmt.Errorf("signin: identity service returned status %d", resp.StatusCode)
	}

	var body struct {
		User *struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return core.SigninResult{}, fmt.Errorf("signin: decode response: %w", err)
	}
	res := core.SigninResult{Valid: body.User != nil}
	if body.User != nil {
		res.User = body.User.Name
	}
	return res, nil
}

// SessionDetail verifies device/session ownership and records the
// telemetry snapshot.
func (c *Client) SessionDetail(ctx context.Context, token string, info domain.DeviceInfo, address string) error {
	payload := struct {
		Token     string `json:"token"`
		IPAddress string `json:"ipAddress"`
		domain.DeviceInfo
	}{Token: token, IPAddress: address, DeviceInfo: info}

	return c.postJSON(ctx, "/api/session-detail", payload)
}

// UpdateSessionStatus pushes a session state transition.
func (c *Client) UpdateSessionStatus(ctx context.Context, token string, state domain.SessionState) error {
	payload := struct {
		Token string `json:"token"`
		State string `json:"state"`
	}{Token: token, State: string(state)}

	return c.postJSON(ctx, "/api/session-status", payload)
}

// SaveLog persists one log record.
func (c *Client) SaveLog(ctx context.Context, flagKey, token string, attachment map[string]any) error {
	payload := struct {
		FlagKey    string         `json:"flagKey"`
		Token      string         `json:"token"`
		Attachment map[string]any `json:"attachment"`
		Secret     string         `json:"secret"`
	}{FlagKey: flagKey, Token: token, Attachment: attachment, Secret: c.secret}

	return c.postJSON(ctx, "/api/save-log", payload)
}

// UploadFile stores a file via multipart form and returns its path.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := w.WriteField("secret", c.secret); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/storage", &buf)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload: storage service returned status %d", resp.StatusCode)
	}

	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("upload: decode response: %w", err)
	}
	return body.Path, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: backend returned status %d", path, resp.StatusCode)
	}
	return nil
}
