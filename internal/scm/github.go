// Package scm integrates with the source host. The fixer uses it to push
// remediation branches through pull requests and merge them once checks pass.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrRefNotFound  = errors.New("scm ref not found")
	ErrNotMergeable = errors.New("scm pull request is not mergeable")
	ErrUnauthorized = errors.New("scm request unauthorized")
)

// APIError is a non-2xx answer without a sentinel mapping.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("scm api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("scm api error (status=%d): %s", e.StatusCode, body)
}

// CheckState is the combined CI verdict on a ref.
type CheckState string

const (
	ChecksPending CheckState = "pending"
	ChecksPassed  CheckState = "success"
	ChecksFailed  CheckState = "failure"
)

// PullRequest is the subset of the hosted PR the fixer needs.
type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

// Client talks to the GitHub REST API v3.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient authenticates with a static token through oauth2. An empty
// baseURL targets github.com.
func NewClient(ctx context.Context, token string, baseURL string) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("scm token is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Timeout = 30 * time.Second
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// NewClientWithHTTP is for tests that need to stub the transport.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("scm base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// CreateBranch points a new branch at the head of fromRef. An existing branch
// with the same name is left as is.
func (c *Client) CreateBranch(ctx context.Context, repo string, branch string, fromRef string) error {
	repo = strings.TrimSpace(repo)
	branch = strings.TrimSpace(branch)
	if repo == "" || branch == "" {
		return errors.New("repo and branch are required")
	}
	if strings.TrimSpace(fromRef) == "" {
		fromRef = "main"
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.get(ctx, "/repos/"+repo+"/git/ref/heads/"+url.PathEscape(fromRef), &ref); err != nil {
		return fmt.Errorf("resolve %s: %w", fromRef, err)
	}

	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}
	err := c.post(ctx, "/repos/"+repo+"/git/refs", body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		// 422 here means the ref already exists.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// EnsurePullRequest finds the open PR for the head branch or opens a new one.
func (c *Client) EnsurePullRequest(ctx context.Context, repo string, head string, base string, title string, body string) (*PullRequest, error) {
	repo = strings.TrimSpace(repo)
	head = strings.TrimSpace(head)
	if repo == "" || head == "" {
		return nil, errors.New("repo and head branch are required")
	}
	if strings.TrimSpace(base) == "" {
		base = "main"
	}

	owner, _, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("repo %q must be owner/name", repo)
	}

	var open []PullRequest
	query := "/repos/" + repo + "/pulls?state=open&head=" + url.QueryEscape(owner+":"+head)
	if err := c.get(ctx, query, &open); err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(open) > 0 {
		return &open[0], nil
	}

	req := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var created PullRequest
	if err := c.post(ctx, "/repos/"+repo+"/pulls", req, &created); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &created, nil
}

// CheckStatus returns the combined commit status for a ref.
func (c *Client) CheckStatus(ctx context.Context, repo string, ref string) (CheckState, error) {
	repo = strings.TrimSpace(repo)
	ref = strings.TrimSpace(ref)
	if repo == "" || ref == "" {
		return "", errors.New("repo and ref are required")
	}
	var out struct {
		State string `json:"state"`
	}
	if err := c.get(ctx, "/repos/"+repo+"/commits/"+url.PathEscape(ref)+"/status", &out); err != nil {
		return "", fmt.Errorf("check status for %s: %w", ref, err)
	}
	switch out.State {
	case "success":
		return ChecksPassed, nil
	case "failure", "error":
		return ChecksFailed, nil
	default:
		return ChecksPending, nil
	}
}

// Merge merges the pull request. A PR that was already merged counts as
// success.
func (c *Client) Merge(ctx context.Context, repo string, number int) error {
	repo = strings.TrimSpace(repo)
	if repo == "" || number <= 0 {
		return errors.New("repo and pull request number are required")
	}

	err := c.put(ctx, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number), map[string]string{}, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusMethodNotAllowed || apiErr.StatusCode == http.StatusConflict) {
		var pr PullRequest
		if getErr := c.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), &pr); getErr == nil && pr.Merged {
			return nil
		}
		return fmt.Errorf("merge pull request %d: %w", number, ErrNotMergeable)
	}
	return fmt.Errorf("merge pull request %d: %w", number, err)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) put(ctx context.Context, path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode scm response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrRefNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// Transient reports whether the error is worth a bounded retry.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	switch {
	case errors.Is(err, ErrRefNotFound),
		errors.Is(err, ErrNotMergeable),
		errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}
