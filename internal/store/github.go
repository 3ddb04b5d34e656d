package store

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

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// GitHubClient implements Client on top of the GitHub contents API of a
// private repository. File blobs are base64 documents and the blob sha is
// the version tag: PUT with a stale sha is rejected by GitHub, which maps
// to ErrConflict.
type GitHubClient struct {
	http      *retryablehttp.Client
	baseURL   string
	token     string
	branch    string
	userAgent string
	log       *logrus.Logger
}

// GitHubConfig holds the settings for a GitHubClient.
type GitHubConfig struct {
	APIURL    string // defaults to https://api.github.com
	Token     string
	Owner     string
	Repo      string
	Branch    string // empty uses the repository default branch
	Timeout   time.Duration
	RetryMax  int // transport-level retries (429/5xx), not conflict retries
	UserAgent string
}

// NewGitHubClient creates a GitHub-backed store client.
func NewGitHubClient(cfg GitHubConfig, log *logrus.Logger) *GitHubClient {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "ByorlHub-License-API"
	}

	return &GitHubClient{
		http:      rc,
		baseURL:   fmt.Sprintf("%s/repos/%s/%s/contents", apiURL, cfg.Owner, cfg.Repo),
		token:     cfg.Token,
		branch:    cfg.Branch,
		userAgent: userAgent,
		log:       log,
	}
}

type githubFile struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

type githubPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// Get fetches a document. A 404 yields empty content and tag.
func (c *GitHubClient) Get(ctx context.Context, path string) (string, string, error) {
	getURL := c.fileURL(path)
	if c.branch != "" {
		getURL += "?ref=" + url.QueryEscape(c.branch)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, path)
	}

	var file githubFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", "", fmt.Errorf("failed to decode %s: %w", path, err)
	}

	// GitHub wraps base64 payloads with newlines.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode content of %s: %w", path, err)
	}

	return string(raw), file.SHA, nil
}

// Put writes a document, creating it when tag is empty.
func (c *GitHubClient) Put(ctx context.Context, path, content, tag string) error {
	body := githubPutRequest{
		Message: fmt.Sprintf("Update %s", path),
		Content: base64.StdEncoding.EncodeToString([]byte(content)),
		SHA:     tag,
		Branch:  c.branch,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", path, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.fileURL(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 409 is a stale sha; 422 shows up when a create races an existing
		// file. Both mean another writer got there first.
		c.log.Warnf("[GitHubStore] Version conflict on %s (status %d)", path, resp.StatusCode)
		return ErrConflict
	default:
		return fmt.Errorf("unexpected status %d updating %s", resp.StatusCode, path)
	}
}

func (c *GitHubClient) fileURL(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/" + strings.Join(segments, "/")
}

func (c *GitHubClient) setHeaders(req *retryablehttp.Request) {
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", c.userAgent)
}

var _ Client = (*GitHubClient)(nil)
