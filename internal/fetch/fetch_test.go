package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskflow/internal/scheduler"
)

// stubResolver answers every lookup with addrs or err.
type stubResolver struct {
	addrs []string
	err   error
	calls atomic.Int32
}

func (r *stubResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.calls.Add(1)
	return r.addrs, r.err
}

func newServer(t *testing.T, routes func(r chi.Router)) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// run submits f to a fresh scheduler and waits for it to finish.
func run(t *testing.T, f *Fetch) {
	t.Helper()
	s := scheduler.New(scheduler.Config{Name: "test"})
	require.NoError(t, s.Add(f.Task()))
	select {
	case <-f.Task().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch did not finish (state %s)", f.Task().State())
	}
}

func TestNew_InvalidRequests(t *testing.T) {
	target := mustParse(t, "http://example.test/x")
	tests := []struct {
		name string
		req  Request
		opts Options
	}{
		{"download without cache file", Request{URL: target, Mode: ModeDownload}, Options{}},
		{"data with cache file", Request{URL: target, CacheFile: "/tmp/x.json"}, Options{}},
		{"unsupported method", Request{URL: target, Method: "TRACE"}, Options{}},
		{"no address", Request{}, Options{}},
		{"unsupported scheme", Request{URL: mustParse(t, "ftp://example.test/x")}, Options{}},
		{"unknown mode", Request{URL: target, Mode: Mode(7)}, Options{}},
		{
			"payload callback in download mode",
			Request{URL: target, Mode: ModeDownload, CacheFile: "/tmp/x.json"},
			Options{OnPayload: func(map[string]any) {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.req, tt.opts)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestNew_Endpoint(t *testing.T) {
	f, err := New(Request{
		Endpoint: BaseEndpoint{Base: "https://api.example.test/v1", Path: "jobs"},
		Params:   map[string]string{"limit": "10", "after": "3"},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/v1/jobs?after=3&limit=10", f.URL().String())
	assert.Equal(t, "fetch GET https://api.example.test/v1/jobs?after=3&limit=10", f.Task().Name())
}

func TestFetch_DataMode(t *testing.T) {
	var gotBody map[string]any
	var gotHeader, gotContentType string
	srv := newServer(t, func(r chi.Router) {
		r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Get("X-Token")
			gotContentType = r.Header.Get("Content-Type")
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id": 7, "state": "pending"}`))
		})
	})

	var delivered map[string]any
	activity := NewActivity(nil)
	f, err := New(Request{
		URL:     mustParse(t, srv.URL+"/jobs"),
		Method:  MethodPost,
		Headers: map[string]string{"X-Token": "secret"},
		Body:    map[string]any{"name": "report"},
	}, Options{
		Transport: srv.Client(),
		Activity:  activity,
		OnPayload: func(p map[string]any) { delivered = p },
	})
	require.NoError(t, err)

	run(t, f)

	require.NoError(t, f.Task().Err())
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "report", gotBody["name"])
	assert.Equal(t, http.StatusOK, f.StatusCode())
	assert.Equal(t, "pending", f.Payload()["state"])
	assert.Equal(t, f.Payload(), delivered)
	assert.JSONEq(t, `{"id": 7, "state": "pending"}`, string(f.Raw()))
	assert.Equal(t, 0, activity.Active())
}

func TestFetch_DownloadMode(t *testing.T) {
	srv := newServer(t, func(r chi.Router) {
		r.Get("/model.json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"id": 1}, {"id": 2}]`))
		})
	})

	cache := filepath.Join(t.TempDir(), "cache", "model.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(cache), 0o755))
	require.NoError(t, os.WriteFile(cache, []byte("stale"), 0o644))

	f, err := New(Request{
		URL:       mustParse(t, srv.URL+"/model.json"),
		Mode:      ModeDownload,
		CacheFile: cache,
	}, Options{Transport: srv.Client()})
	require.NoError(t, err)

	run(t, f)

	require.NoError(t, f.Task().Err())
	data, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id": 1}, {"id": 2}]`, string(data))

	entries, err := os.ReadDir(filepath.Dir(cache))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be gone")
}

func TestFetch_StatusError(t *testing.T) {
	srv := newServer(t, func(r chi.Router) {
		r.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such job", http.StatusNotFound)
		})
	})

	var reported error
	f, err := New(Request{URL: mustParse(t, srv.URL+"/missing")}, Options{
		Transport: srv.Client(),
		OnError:   func(err error) { reported = err },
	})
	require.NoError(t, err)

	run(t, f)

	var se *StatusError
	require.ErrorAs(t, f.Task().Err(), &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Body, "no such job")
	assert.Equal(t, se, reported)

	_, ok := AlertFor(f.Task().Err())
	assert.False(t, ok, "status errors have no alert")
}

func TestFetch_PayloadError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"array", `[1, 2, 3]`},
		{"truncated", `{"state": "pend`},
		{"null", `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(r chi.Router) {
				r.Get("/", func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(tt.body))
				})
			})

			f, err := New(Request{URL: mustParse(t, srv.URL+"/")}, Options{Transport: srv.Client()})
			require.NoError(t, err)
			run(t, f)

			err = f.Task().Err()
			require.ErrorIs(t, err, ErrPayload)
			var pe *PayloadError
			require.ErrorAs(t, err, &pe)
			assert.Nil(t, f.Payload())

			alert, ok := AlertFor(err)
			require.True(t, ok)
			assert.Equal(t, "Unable to Download", alert.Title)
			assert.Equal(t, "Cannot download data. Try again later.", alert.Message)
		})
	}
}

func TestFetch_Unreachable(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	})

	resolver := &stubResolver{err: errors.New("no such host")}
	u := mustParse(t, srv.URL+"/")
	f, err := New(Request{URL: u}, Options{Transport: srv.Client(), Resolver: resolver})
	require.NoError(t, err)

	run(t, f)

	assert.EqualValues(t, 0, hits.Load(), "request must not be sent")
	assert.EqualValues(t, 1, resolver.calls.Load())
	assert.True(t, f.Task().Cancelled())

	err = f.Task().Err()
	require.ErrorIs(t, err, scheduler.ErrConditionFailed)
	require.ErrorIs(t, err, ErrUnreachable)
	var ce *scheduler.ConditionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReachabilityName, ce.Condition)
	assert.Equal(t, u.Hostname(), ce.Detail["host"])

	alert, ok := AlertFor(err)
	require.True(t, ok)
	assert.Equal(t, "Unable to Connect", alert.Title)
	assert.Equal(t, "Cannot connect to "+u.Hostname()+". Make sure your device is connected to the internet.", alert.Message)
}

func TestFetch_CancelInFlight(t *testing.T) {
	arrived := make(chan struct{})
	aborted := make(chan struct{})
	srv := newServer(t, func(r chi.Router) {
		r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
			close(arrived)
			<-r.Context().Done()
			close(aborted)
		})
	})

	f, err := New(Request{URL: mustParse(t, srv.URL+"/slow")}, Options{Transport: srv.Client()})
	require.NoError(t, err)

	s := scheduler.New(scheduler.Config{})
	require.NoError(t, s.Add(f.Task()))

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("request never arrived")
	}
	f.Task().Cancel()

	select {
	case <-f.Task().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not finish after cancel")
	}
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the request cancelled")
	}
	assert.ErrorIs(t, f.Task().Err(), scheduler.ErrCancelled)
}

func TestFetch_CancelBeforeStart(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	})

	f, err := New(Request{URL: mustParse(t, srv.URL+"/")}, Options{Transport: srv.Client()})
	require.NoError(t, err)
	f.Task().Cancel()
	run(t, f)

	assert.EqualValues(t, 0, hits.Load())
	_, err = f.transfer.resume(httptest.NewRequest(http.MethodGet, srv.URL, nil))
	assert.ErrorIs(t, err, context.Canceled, "a cancelled transfer never starts")
}

// countingTransport records round trips and returns a fixed response.
type countingTransport struct {
	calls  atomic.Int32
	status int
	err    error
}

func (c *countingTransport) Do(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: c.status,
		Status:     http.StatusText(c.status),
		Body:       io.NopCloser(http.NoBody),
		Request:    req,
	}, nil
}

func TestTransfer_ResumeOnce(t *testing.T) {
	tr := &countingTransport{status: http.StatusOK}
	x := newTransfer(tr)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)

	resp, err := x.resume(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	_, err = x.resume(req)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.EqualValues(t, 1, tr.calls.Load())
}

func TestActivity(t *testing.T) {
	var changes []int
	a := NewActivity(func(n int) { changes = append(changes, n) })
	t1 := scheduler.Block("one", nil)
	t2 := scheduler.Block("two", nil)
	never := scheduler.Block("never started", nil)

	a.TaskDidStart(t1)
	a.TaskDidStart(t2)
	assert.Equal(t, 2, a.Active())
	a.TaskDidFinish(never, nil)
	a.TaskDidFinish(t1, nil)
	a.TaskDidFinish(t2, nil)

	assert.Equal(t, 0, a.Active())
	assert.Equal(t, []int{1, 2, 1, 0}, changes)
}

func TestStaticEndpoint(t *testing.T) {
	u, err := StaticEndpoint("http://example.test/poll?x=1").URL(map[string]string{"y": "2"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/poll?x=1&y=2", u.String())

	_, err = StaticEndpoint("http://[::1").URL(nil)
	assert.Error(t, err)
}

func TestRequest_Clone(t *testing.T) {
	orig := Request{
		URL:     mustParse(t, "http://example.test/a"),
		Method:  MethodPatch,
		Headers: map[string]string{"X": "1"},
		Params:  map[string]string{"id": "7"},
		Body:    map[string]any{"n": 1},
	}
	next := orig.Clone(mustParse(t, "http://example.test/b"))
	next.Headers["X"] = "2"
	next.Params["id"] = "8"
	next.Body["n"] = 2

	assert.Equal(t, "http://example.test/a", orig.URL.String())
	assert.Equal(t, "http://example.test/b", next.URL.String())
	assert.Equal(t, MethodPatch, next.Method)
	assert.Equal(t, "2", next.Headers["X"])
	assert.Equal(t, "1", orig.Headers["X"], "original headers must not change")
	assert.Equal(t, "7", orig.Params["id"], "original params must not change")
	assert.Equal(t, 1, orig.Body["n"], "original body must not change")

	empty := Request{URL: mustParse(t, "http://example.test/a")}.Clone(nil)
	assert.Nil(t, empty.Headers)
	assert.Nil(t, empty.Body)
}
