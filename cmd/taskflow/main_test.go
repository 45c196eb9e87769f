package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true, "token": "` + r.Header.Get("X-Token") + `"}`))
	})
	r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 3, "state": "pending", "poll_to": "/jobs/3"}`))
	})
	r.Get("/jobs/3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 3, "state": "finished"}`))
	})
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "only"}`))
	})
	r.Get("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config that polls without delay and keeps logs quiet.
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"poll": {"initial_interval": "0s"}, "http": {"breaker": {"enabled": false}}, "log": {"level": "error"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func decodeOutput(t *testing.T, out string) []jobOutput {
	t.Helper()
	var results []jobOutput
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("output is not a result list: %v\n%s", err, out)
	}
	return results
}

func TestFetchCommand(t *testing.T) {
	srv := testServer(t)

	out, err := execute(context.Background(), t, "fetch", srv.URL+"/status", "-H", "X-Token: secret")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	results := decodeOutput(t, out)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success || results[0].Payload["token"] != "secret" {
		t.Errorf("unexpected result %+v", results[0])
	}
	if want := strings.TrimPrefix(srv.URL, "http://") + "/status"; results[0].Job != want {
		t.Errorf("expected job name %q, got %q", want, results[0].Job)
	}
}

func TestFetchCommandReportsFailures(t *testing.T) {
	srv := testServer(t)

	out, err := execute(context.Background(), t, "fetch", srv.URL+"/status", srv.URL+"/broken")
	if err == nil || !strings.Contains(err.Error(), "1 of 2 jobs failed") {
		t.Fatalf("expected one failed job, got %v", err)
	}
	results := decodeOutput(t, out)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if strings.HasSuffix(r.Job, "/broken") && (r.Success || len(r.Errors) == 0) {
			t.Errorf("expected errors for broken job, got %+v", r)
		}
	}
}

func TestPollCommandWithStore(t *testing.T) {
	srv := testServer(t)
	db := filepath.Join(t.TempDir(), "taskflow.db")

	out, err := execute(context.Background(), t, "--store", db, "poll", srv.URL+"/jobs", "-X", "post", "--name", "report")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	results := decodeOutput(t, out)
	if len(results) != 1 || !results[0].Success || results[0].Rounds != 2 {
		t.Fatalf("unexpected results %+v", results)
	}

	out, err = execute(context.Background(), t, "--store", db, "results", "report")
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if !strings.Contains(out, "report") || !strings.Contains(out, srv.URL+"/jobs/3") {
		t.Errorf("unexpected results listing:\n%s", out)
	}

	out, err = execute(context.Background(), t, "--store", db, "results", "report", "--latest")
	if err != nil {
		t.Fatalf("results --latest failed: %v", err)
	}
	if !strings.Contains(out, `"finished"`) {
		t.Errorf("expected terminal payload, got %q", out)
	}

	out, err = execute(context.Background(), t, "--store", db, "runs")
	if err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(out, "report") || !strings.Contains(out, "ok") {
		t.Errorf("unexpected runs listing:\n%s", out)
	}
}

func TestDownloadCommand(t *testing.T) {
	srv := testServer(t)
	dest := filepath.Join(t.TempDir(), "models.json")

	out, err := execute(context.Background(), t, "download", srv.URL+"/models", "--out", dest)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	results := decodeOutput(t, out)
	if len(results) != 1 || len(results[0].Models) != 1 || results[0].Models[0]["name"] != "only" {
		t.Fatalf("unexpected results %+v", results)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected downloaded file: %v", err)
	}

	if _, err := execute(context.Background(), t, "download", srv.URL+"/models"); err == nil {
		t.Error("expected error without --out")
	}
}

func TestCommandCancelled(t *testing.T) {
	srv := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := execute(ctx, t, "fetch", srv.URL+"/slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	for _, cmd := range []string{"runs", "results"} {
		if _, err := execute(context.Background(), t, cmd); !errors.Is(err, errNoStore) {
			t.Errorf("%s: expected errNoStore, got %v", cmd, err)
		}
	}
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad scheme", []string{"fetch", "ftp://example.test/x"}},
		{"no host", []string{"fetch", "http:///x"}},
		{"bad header", []string{"fetch", "http://example.test", "-H", "no-colon"}},
		{"bad body", []string{"poll", "http://example.test", "-d", "{"}},
		{"bad log level", []string{"--log-level", "loud", "fetch", "http://example.test"}},
		{"negative concurrency", []string{"--max-concurrency=-1", "fetch", "http://example.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(context.Background(), t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigShow(t *testing.T) {
	out, err := execute(context.Background(), t, "--max-concurrency", "7", "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var shown struct {
		Scheduler struct {
			MaxConcurrency int `json:"max_concurrency"`
		} `json:"scheduler"`
		Poll struct {
			InitialInterval string `json:"initial_interval"`
		} `json:"poll"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("output is not a config: %v\n%s", err, out)
	}
	if shown.Scheduler.MaxConcurrency != 7 || shown.Poll.InitialInterval != "0s" {
		t.Errorf("unexpected config %+v", shown)
	}
}

func TestConfigPaths(t *testing.T) {
	opts := &options{configPath: filepath.Join(t.TempDir(), "custom.json")}
	globalPath, projectPath, err := opts.configPaths()
	if err != nil {
		t.Fatal(err)
	}
	if projectPath != opts.configPath {
		t.Errorf("expected --config to replace the project file, got %s", projectPath)
	}
	if filepath.Base(globalPath) != "config.json" {
		t.Errorf("unexpected global path %s", globalPath)
	}
}

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Authorization: Bearer a:b", " X-Trace :1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["Authorization"] != "Bearer a:b" || got["X-Trace"] != "1" {
		t.Errorf("unexpected headers %v", got)
	}
	if _, err := parseHeaders([]string{": empty"}); err == nil {
		t.Error("expected error for empty header name")
	}
}
