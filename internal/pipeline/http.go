package pipeline

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
)

// APIError is a non-2xx answer from the engine that has no sentinel mapping.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("pipeline api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("pipeline api error (status=%d): %s", e.StatusCode, body)
}

// HTTPEngine implements Engine against the CI engine's REST API.
type HTTPEngine struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPEngine(baseURL string, token string, httpClient *http.Client) (*HTTPEngine, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pipeline engine base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPEngine{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		http:    httpClient,
	}, nil
}

func (e *HTTPEngine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Template) == "" {
		return "", errors.New("pipeline template is required")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return "", errors.New("pipeline subject is required")
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := e.post(ctx, "/api/v1/runs", req, &out); err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("pipeline engine returned an empty run id")
	}
	return out.ID, nil
}

func (e *HTTPEngine) Status(ctx context.Context, runID string) (*RunStatus, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	var out RunStatus
	if err := e.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &out); err != nil {
		return nil, fmt.Errorf("run %s status: %w", runID, err)
	}
	return &out, nil
}

func (e *HTTPEngine) Logs(ctx context.Context, runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", errors.New("run id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/api/v1/runs/"+url.PathEscape(runID)+"/logs", nil)
	if err != nil {
		return "", err
	}
	body, err := e.doRaw(req)
	if err != nil {
		return "", fmt.Errorf("run %s logs: %w", runID, err)
	}
	return string(body), nil
}

func (e *HTTPEngine) LatestRun(ctx context.Context, subject string) (*RunStatus, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	var out struct {
		Runs []RunStatus `json:"runs"`
	}
	query := "/api/v1/runs?subject=" + url.QueryEscape(subject) + "&order=started_desc&limit=1"
	if err := e.get(ctx, query, &out); err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", subject, err)
	}
	if len(out.Runs) == 0 {
		return nil, nil
	}
	return &out.Runs[0], nil
}

func (e *HTTPEngine) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return err
	}
	body, err := e.doRaw(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode pipeline response: %w", err)
	}
	return nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := e.doRaw(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode pipeline response: %w", err)
	}
	return nil
}

func (e *HTTPEngine) doRaw(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return body, nil
	case http.StatusNotFound:
		return nil, ErrRunNotFound
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// Transient reports whether the error is worth a bounded retry: network
// failures and 5xx answers, never 4xx outcomes.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrRunNotFound) {
		return false
	}
	return true
}
