package jsonbase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHubBackend implements Backend on top of the GitHub contents API.
// Every object is one file in a repository branch; GitHub's blob sha gives
// conditional writes and the response ETag gives conditional reads.
// Content crosses the wire base64-encoded, so arbitrary UTF-8 JSON
// round-trips safely.
type GitHubBackend struct {
	owner  string
	repo   string
	branch string
	token  string
	apiURL string
	client *http.Client
}

// GitHubConfig contains the repository coordinates for a GitHubBackend
type GitHubConfig struct {
	Owner  string
	Repo   string
	Branch string // defaults to "main"
	Token  string

	// APIBaseURL overrides the GitHub API endpoint, for GitHub Enterprise
	// and for tests. Defaults to https://api.github.com.
	APIBaseURL string

	// HTTPClient overrides the default client (30s timeout)
	HTTPClient *http.Client
}

// Validate checks if the GitHubConfig is valid
func (c GitHubConfig) Validate() error {
	if c.Owner == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Owner",
			"reason": "repository owner is required",
		})
	}
	if c.Repo == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Repo",
			"reason": "repository name is required",
		})
	}
	if c.Token == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Token",
			"reason": "access token is required",
		})
	}
	return nil
}

// NewGitHubBackend creates a backend for one repository branch
func NewGitHubBackend(cfg GitHubConfig) (*GitHubBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	apiURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &GitHubBackend{
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: branch,
		token:  cfg.Token,
		apiURL: apiURL,
		client: client,
	}, nil
}

// contentsURL builds the contents API URL for a key
func (b *GitHubBackend) contentsURL(key string) string {
	escaped := url.PathEscape(key)
	// PathEscape encodes "/" too; the contents API wants literal slashes
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", b.apiURL, b.owner, b.repo, escaped)
}

func (b *GitHubBackend) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

type githubContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

type githubPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type githubPutResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

func (b *GitHubBackend) Get(ctx context.Context, key string, etag string) (*Object, error) {
	u := b.contentsURL(key) + "?ref=" + url.QueryEscape(b.branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":   key,
			"cause": err.Error(),
		})
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // Deferred close

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, ErrNotModified
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, WithContext(ErrUnauthorized, map[string]interface{}{
			"key":    key,
			"status": resp.StatusCode,
		})
	case http.StatusOK:
		// fall through
	default:
		return nil, fmt.Errorf("github get %s: unexpected status %d", key, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var gc githubContent
	if err := json.Unmarshal(body, &gc); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":   key,
			"cause": err.Error(),
		})
	}

	content, err := decodeGitHubContent(gc)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":   key,
			"cause": err.Error(),
		})
	}

	return &Object{
		Content: content,
		ETag:    resp.Header.Get("ETag"),
		SHA:     gc.SHA,
	}, nil
}

func (b *GitHubBackend) Put(ctx context.Context, key string, content []byte, sha string) (*PutResult, error) {
	payload := githubPutRequest{
		Message: fmt.Sprintf("update %s", key),
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  b.branch,
		SHA:     sha,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.contentsURL(key), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	b.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":   key,
			"cause": err.Error(),
		})
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // Deferred close

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var pr githubPutResponse
		if err := json.Unmarshal(respBody, &pr); err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"key":   key,
				"cause": err.Error(),
			})
		}
		return &PutResult{ETag: resp.Header.Get("ETag"), SHA: pr.Content.SHA}, nil
	case http.StatusConflict:
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":      key,
			"expected": sha,
		})
	case http.StatusUnprocessableEntity:
		// The contents API reports a stale or missing sha as 422
		return nil, WithContext(ErrConflict, map[string]interface{}{
			"key":      key,
			"expected": sha,
			"detail":   string(respBody),
		})
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, WithContext(ErrUnauthorized, map[string]interface{}{
			"key":    key,
			"status": resp.StatusCode,
		})
	default:
		return nil, fmt.Errorf("github put %s: unexpected status %d: %s", key, resp.StatusCode, respBody)
	}
}

func (b *GitHubBackend) Ping(ctx context.Context) error {
	u := fmt.Sprintf("%s/repos/%s/%s", b.apiURL, b.owner, b.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"cause": err.Error(),
		})
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // Deferred close

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (b *GitHubBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// decodeGitHubContent decodes the base64 payload the contents API returns.
// GitHub inserts newlines every 60 characters, which StdEncoding rejects,
// so whitespace is stripped first.
func decodeGitHubContent(gc githubContent) ([]byte, error) {
	if gc.Encoding != "" && gc.Encoding != "base64" {
		return nil, fmt.Errorf("unsupported content encoding %q", gc.Encoding)
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, gc.Content)
	return base64.StdEncoding.DecodeString(cleaned)
}
