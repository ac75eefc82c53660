package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEngineSubmit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"run-42"}`))
	}))
	defer srv.Close()

	eng, err := NewHTTPEngine(srv.URL, "token-1", nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	id, err := eng.Submit(context.Background(), SubmitRequest{
		Template: "verify",
		Subject:  "acme/demo-app#main",
		Parameters: map[string]string{
			"branch": "main",
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "run-42" {
		t.Fatalf("got run id %q", id)
	}
	if gotPath != "POST /api/v1/runs" {
		t.Fatalf("got path %q", gotPath)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("got auth %q", gotAuth)
	}
	if gotBody.Subject != "acme/demo-app#main" || gotBody.Parameters["branch"] != "main" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestHTTPEngineSubmitValidation(t *testing.T) {
	eng, err := NewHTTPEngine("http://engine.invalid", "", nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Submit(context.Background(), SubmitRequest{Subject: "s"}); err == nil {
		t.Fatalf("missing template must be rejected before any request")
	}
	if _, err := eng.Submit(context.Background(), SubmitRequest{Template: "verify"}); err == nil {
		t.Fatalf("missing subject must be rejected before any request")
	}
}

func TestHTTPEngineStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	eng, _ := NewHTTPEngine(srv.URL, "", nil)
	_, err := eng.Status(context.Background(), "run-missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if Transient(err) {
		t.Fatalf("a missing run is not transient")
	}
}

func TestHTTPEngineLatestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("subject"); got != "acme/demo-app#main" {
			t.Fatalf("got subject %q", got)
		}
		w.Write([]byte(`{"runs":[{"id":"run-9","state":"Failed","subject":"acme/demo-app#main"}]}`))
	}))
	defer srv.Close()

	eng, _ := NewHTTPEngine(srv.URL, "", nil)
	run, err := eng.LatestRun(context.Background(), "acme/demo-app#main")
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if run == nil || run.ID != "run-9" || run.State != RunFailed {
		t.Fatalf("unexpected run %+v", run)
	}
	if !run.State.Terminal() {
		t.Fatalf("Failed must be terminal")
	}
}

func TestHTTPEngineLatestRunEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"runs":[]}`))
	}))
	defer srv.Close()

	eng, _ := NewHTTPEngine(srv.URL, "", nil)
	run, err := eng.LatestRun(context.Background(), "acme/demo-app#main")
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil for a subject with no runs, got %+v", run)
	}
}

func TestHTTPEngineLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-9/logs" {
			t.Fatalf("got path %q", r.URL.Path)
		}
		w.Write([]byte("line 1\nERROR: boom\n"))
	}))
	defer srv.Close()

	eng, _ := NewHTTPEngine(srv.URL, "", nil)
	logs, err := eng.Logs(context.Background(), "run-9")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs != "line 1\nERROR: boom\n" {
		t.Fatalf("got logs %q", logs)
	}
}

func TestTransient(t *testing.T) {
	if !Transient(&APIError{StatusCode: 503}) {
		t.Fatalf("503 should be transient")
	}
	if Transient(&APIError{StatusCode: 400}) {
		t.Fatalf("400 should not be transient")
	}
	if Transient(nil) {
		t.Fatalf("nil is not an error")
	}
}
