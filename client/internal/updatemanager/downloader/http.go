package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/version"
)

const (
	userAgent  = "otaclient/%s"
	apiVersion = "1"
)

// ErrNotFound is returned when the remote resource doesn't exist
var ErrNotFound = errors.New("resource not found")

// StatusError is returned for non 200 responses
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.Code)
}

// Transient reports whether repeating the request may succeed
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Headers identifies the client to the update server
type Headers struct {
	Platform          string
	ClientEnvironment string
	ReleaseChannel    string
	BinaryVersion     string
}

// Apply sets the update headers on h
func (hd Headers) Apply(h http.Header, manifest bool) {
	h.Set("User-Agent", fmt.Sprintf(userAgent, version.Version()))
	h.Set("Accept-Encoding", "gzip, zstd")
	h.Set("Updates-Platform", hd.Platform)
	h.Set("Updates-Api-Version", apiVersion)
	if hd.ClientEnvironment != "" {
		h.Set("Updates-Client-Environment", hd.ClientEnvironment)
	}
	if hd.ReleaseChannel != "" {
		h.Set("Updates-Release-Channel", hd.ReleaseChannel)
	}
	if hd.BinaryVersion != "" {
		h.Set("Updates-Binary-Version", hd.BinaryVersion)
	}
	if manifest {
		h.Set("Accept", "application/json")
		h.Set("Updates-Accept-Signature", "true")
	}
}

// HTTPFetcher fetches http and https URLs
type HTTPFetcher struct {
	client  *http.Client
	headers Headers
}

// NewHTTPFetcher returns an HTTPFetcher sending headers with every request. A nil client
// falls back to http.DefaultClient.
func NewHTTPFetcher(client *http.Client, headers Headers) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, headers: headers}
}

// Open performs the request and returns the decoded response body
func (f *HTTPFetcher) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	f.headers.Apply(httpReq.Header, req.Manifest)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to perform HTTP request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		closeBody(resp.Body)
		return nil, &StatusError{URL: req.URL, Code: resp.StatusCode}
	}

	body, err := decodeBody(resp)
	if err != nil {
		closeBody(resp.Body)
		return nil, err
	}
	return body, nil
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{zr.Close, resp.Body.Close}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			resp.Body.Close,
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (b *decodedBody) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func closeBody(body io.Closer) {
	if err := body.Close(); err != nil {
		log.Warnf("error closing response body: %v", err)
	}
}
