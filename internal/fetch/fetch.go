package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/scheduler"
)

// errorBodyLimit bounds how much of a non-2xx body is kept in a StatusError.
const errorBodyLimit = 512

// DefaultTransport is used when Options.Transport is nil.
var DefaultTransport Transport = &http.Client{Timeout: 60 * time.Second}

// Options configures a Fetch.
type Options struct {
	Name      string    // Task name (default "fetch <METHOD> <url>")
	Transport Transport // Shared session; DefaultTransport when nil
	Resolver  Resolver  // Used by the reachability condition; net.DefaultResolver when nil
	Activity  *Activity // Network activity counter; a private one when nil
	Locks     *PathLocks
	Exclusive bool // Serialize with other exclusive fetches of the same URL

	// OnPayload receives the decoded object in ModeData.
	OnPayload func(payload map[string]any)
	// OnError receives the transport or payload error before the task finishes.
	OnError func(err error)

	Logger *zap.Logger
}

// Fetch is a task performing one outbound call. It carries a reachability
// condition for its host and an activity observer.
type Fetch struct {
	req      Request
	url      *url.URL
	opts     Options
	logger   *zap.Logger
	task     *scheduler.Task
	transfer *transfer

	mu      sync.Mutex
	payload map[string]any
	raw     []byte
	status  int
}

// New validates req and creates its fetch task. Requests whose options are
// inconsistent with their mode are refused with ErrInvalidRequest.
func New(req Request, opts Options) (*Fetch, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Mode == ModeDownload && opts.OnPayload != nil {
		return nil, fmt.Errorf("payload callback set for %s mode: %w", req.Mode, ErrInvalidRequest)
	}
	u, err := req.resolve()
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in %s: %w", u.Scheme, u, ErrInvalidRequest)
	}

	if opts.Transport == nil {
		opts.Transport = DefaultTransport
	}
	if opts.Activity == nil {
		opts.Activity = NewActivity(nil)
	}
	if opts.Locks == nil {
		opts.Locks = DefaultLocks()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("fetch %s %s", req.method(), u)
	}

	f := &Fetch{
		req:    req,
		url:    u,
		opts:   opts,
		logger: logger.Named("fetch").With(zap.String("url", u.String())),
	}
	f.task = scheduler.NewTask(name, scheduler.RunnerFunc(f.run))
	f.transfer = newTransfer(opts.Transport)

	if err := f.task.AddCondition(Reachability(u, opts.Resolver)); err != nil {
		return nil, err
	}
	if opts.Exclusive {
		if err := f.task.AddCondition(scheduler.MutuallyExclusive("fetch " + u.String())); err != nil {
			return nil, err
		}
	}
	if err := f.task.AddObserver(opts.Activity); err != nil {
		return nil, err
	}
	// A cancelled task tears down its transfer even if it never started.
	if err := f.task.AddObserver(scheduler.ObserverFuncs{
		Finish: func(t *scheduler.Task, _ []error) {
			if t.Cancelled() {
				f.transfer.cancel()
			}
		},
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// Task returns the task to submit to a scheduler.
func (f *Fetch) Task() *scheduler.Task { return f.task }

// Request returns the request the fetch was built from.
func (f *Fetch) Request() Request { return f.req }

// URL returns the resolved target address.
func (f *Fetch) URL() *url.URL {
	u := *f.url
	return &u
}

// Payload returns the decoded object (ModeData only, nil until finished).
func (f *Fetch) Payload() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

// Raw returns the response body (ModeData only).
func (f *Fetch) Raw() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw
}

// StatusCode returns the HTTP status of the response, or 0 before one arrived.
func (f *Fetch) StatusCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fetch) run(ctx context.Context, t *scheduler.Task) {
	req, err := f.req.build(ctx, f.url)
	if err != nil {
		f.fail(t, err)
		return
	}

	f.logger.Debug("request started", zap.String("method", req.Method))
	resp, err := f.transfer.resume(req)
	if err != nil {
		if t.Cancelled() {
			t.Finish(scheduler.ErrCancelled)
			return
		}
		f.fail(t, err)
		return
	}
	defer resp.Body.Close()

	f.mu.Lock()
	f.status = resp.StatusCode
	f.mu.Unlock()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		f.fail(t, &StatusError{
			URL:        f.url.String(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(snippet),
		})
		return
	}

	switch f.req.Mode {
	case ModeDownload:
		err = f.store(resp.Body)
	default:
		err = f.decode(resp.Body)
	}
	if err != nil {
		if t.Cancelled() {
			t.Finish(scheduler.ErrCancelled)
			return
		}
		f.fail(t, err)
		return
	}

	f.logger.Debug("request finished", zap.Int("status", resp.StatusCode))
	t.Finish()
}

// decode reads a JSON object body and hands it to OnPayload.
func (f *Fetch) decode(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return &PayloadError{URL: f.url.String(), Err: err}
	}
	if payload == nil {
		return &PayloadError{URL: f.url.String(), Err: errors.New("body is not a JSON object")}
	}

	f.mu.Lock()
	f.raw = data
	f.payload = payload
	f.mu.Unlock()

	if f.opts.OnPayload != nil {
		f.opts.OnPayload(payload)
	}
	return nil
}

// store streams body into a temporary file next to the cache file and moves
// it into place, replacing any previous version.
func (f *Fetch) store(body io.Reader) error {
	dest := f.req.CacheFile
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op after a successful rename

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading to %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	unlock := f.opts.Locks.Lock(dest)
	defer unlock()
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("moving download into %s: %w", dest, err)
	}
	f.logger.Debug("download stored", zap.String("file", dest))
	return nil
}

func (f *Fetch) fail(t *scheduler.Task, err error) {
	f.logger.Debug("request failed", zap.Error(err))
	if f.opts.OnError != nil {
		f.opts.OnError(err)
	}
	t.Finish(err)
}

// transfer is the single outbound request of a fetch. It is resumed at most
// once and is cancelled when its task is cancelled before completion.
type transfer struct {
	transport Transport

	mu        sync.Mutex
	started   bool
	cancelled bool
	stop      context.CancelFunc
}

func newTransfer(tr Transport) *transfer {
	return &transfer{transport: tr}
}

// resume sends req. A second call fails with ErrAlreadyStarted.
func (x *transfer) resume(req *http.Request) (*http.Response, error) {
	x.mu.Lock()
	if x.started {
		x.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	x.started = true
	if x.cancelled {
		x.mu.Unlock()
		return nil, context.Canceled
	}
	ctx, stop := context.WithCancel(req.Context())
	x.stop = stop
	x.mu.Unlock()

	resp, err := x.transport.Do(req.WithContext(ctx))
	if err != nil {
		stop()
		return nil, err
	}
	resp.Body = &stopOnClose{ReadCloser: resp.Body, stop: stop}
	return resp, nil
}

func (x *transfer) cancel() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancelled = true
	if x.stop != nil {
		x.stop()
	}
}

// stopOnClose releases the transfer context once the body is consumed.
type stopOnClose struct {
	io.ReadCloser
	stop context.CancelFunc
}

func (b *stopOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.stop()
	return err
}
