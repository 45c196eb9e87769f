package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"sort"
)

// Method is an HTTP method accepted by a fetch.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPatch  Method = http.MethodPatch
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPatch, MethodPut, MethodDelete:
		return true
	}
	return false
}

// Mode selects what a fetch does with the response body.
type Mode int

const (
	// ModeData reads the body and decodes it as a JSON object.
	ModeData Mode = iota
	// ModeDownload streams the body into a cache file.
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "data"
	case ModeDownload:
		return "download"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Endpoint resolves a logical endpoint and its parameters into a URL.
type Endpoint interface {
	URL(params map[string]string) (*url.URL, error)
}

// StaticEndpoint is a fixed address. Parameters are added to the query string.
type StaticEndpoint string

func (e StaticEndpoint) URL(params map[string]string) (*url.URL, error) {
	u, err := url.Parse(string(e))
	if err != nil {
		return nil, err
	}
	return withQuery(u, params), nil
}

// BaseEndpoint joins Path onto Base. Parameters are added to the query string.
type BaseEndpoint struct {
	Base string
	Path string
}

func (e BaseEndpoint) URL(params map[string]string) (*url.URL, error) {
	u, err := url.Parse(e.Base)
	if err != nil {
		return nil, err
	}
	if e.Path != "" {
		u = u.JoinPath(e.Path)
	}
	return withQuery(u, params), nil
}

func withQuery(u *url.URL, params map[string]string) *url.URL {
	if len(params) == 0 {
		return u
	}
	q := u.Query()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, params[k])
	}
	u.RawQuery = q.Encode()
	return u
}

// Request describes one outbound call.
type Request struct {
	URL       *url.URL          // Takes precedence over Endpoint
	Endpoint  Endpoint          // Resolved with Params when URL is nil
	Params    map[string]string // Endpoint parameters
	Method    Method            // Defaults to GET
	Headers   map[string]string
	Body      map[string]any // Encoded as JSON
	Mode      Mode
	CacheFile string // Destination for ModeDownload
}

// resolve returns the target address.
func (r Request) resolve() (*url.URL, error) {
	if r.URL != nil {
		u := *r.URL
		return &u, nil
	}
	if r.Endpoint == nil {
		return nil, fmt.Errorf("no URL or endpoint: %w", ErrInvalidRequest)
	}
	u, err := r.Endpoint.URL(r.Params)
	if err != nil {
		return nil, fmt.Errorf("resolving endpoint: %v: %w", err, ErrInvalidRequest)
	}
	return u, nil
}

// validate rejects option combinations inconsistent with the request mode.
func (r Request) validate() error {
	if !r.method().Valid() {
		return fmt.Errorf("unsupported method %q: %w", r.Method, ErrInvalidRequest)
	}
	switch r.Mode {
	case ModeData:
		if r.CacheFile != "" {
			return fmt.Errorf("cache file set for %s mode: %w", r.Mode, ErrInvalidRequest)
		}
	case ModeDownload:
		if r.CacheFile == "" {
			return fmt.Errorf("%s mode requires a cache file: %w", r.Mode, ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("unknown mode %s: %w", r.Mode, ErrInvalidRequest)
	}
	return nil
}

func (r Request) method() Method {
	if r.Method == "" {
		return MethodGet
	}
	return r.Method
}

// build creates the HTTP request for u.
func (r Request) build(ctx context.Context, u *url.URL) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, string(r.method()), u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Clone returns a copy of r pointed at u, keeping every other option. The
// header, parameter and body maps are copied; body values are shared.
func (r Request) Clone(u *url.URL) Request {
	c := r
	c.Headers = maps.Clone(r.Headers)
	c.Params = maps.Clone(r.Params)
	c.Body = maps.Clone(r.Body)
	if u != nil {
		cu := *u
		c.URL = &cu
	}
	return c
}
