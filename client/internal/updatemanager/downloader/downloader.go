package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultRetryDelay = 3 * time.Second

	// DefaultManifestLimit caps the size of a manifest document
	DefaultManifestLimit = 4 << 20
)

// ErrUnsupportedScheme is returned for URLs no fetcher is registered for
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Request describes a single transfer
type Request struct {
	URL string
	// Manifest marks manifest requests, they carry the manifest specific headers
	Manifest bool
}

// Fetcher opens the remote resource behind a request. Implementations do not retry.
type Fetcher interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Downloader dispatches requests to a Fetcher by URL scheme and retries a failed transfer once
type Downloader struct {
	fetchers   map[string]Fetcher
	retryDelay time.Duration
}

// New returns a Downloader serving http and https URLs with httpFetcher. A zero retryDelay
// disables the retry.
func New(httpFetcher Fetcher, retryDelay time.Duration) *Downloader {
	return &Downloader{
		fetchers: map[string]Fetcher{
			"http":  httpFetcher,
			"https": httpFetcher,
		},
		retryDelay: retryDelay,
	}
}

// Register serves URLs with the given scheme through f
func (d *Downloader) Register(scheme string, f Fetcher) {
	d.fetchers[scheme] = f
}

// Download opens the request and hands the stream to consume. If either step fails with a
// transient error the whole transfer is attempted one more time.
func (d *Downloader) Download(ctx context.Context, req Request, consume func(io.Reader) error) error {
	log.Debugf("starting download from %s", req.URL)

	fetcher, err := d.fetcherFor(req.URL)
	if err != nil {
		return err
	}

	operation := func() error {
		err := d.downloadOnce(ctx, fetcher, req, consume)
		if err == nil || isTransient(err) {
			return err
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		log.Warnf("download of %s failed, retrying after %v: %v", req.URL, next, err)
	}

	if err := backoff.RetryNotify(operation, d.backoff(ctx), notify); err != nil {
		return fmt.Errorf("download %s: %w", req.URL, err)
	}

	log.Debugf("successfully downloaded %s", req.URL)
	return nil
}

// DownloadToMemory reads the response into memory. Responses above limit are rejected.
func (d *Downloader) DownloadToMemory(ctx context.Context, req Request, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	err := d.Download(ctx, req, func(r io.Reader) error {
		buf.Reset()
		n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if n > limit {
			return backoff.Permanent(fmt.Errorf("response exceeds %d bytes", limit))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Downloader) downloadOnce(ctx context.Context, fetcher Fetcher, req Request, consume func(io.Reader) error) error {
	body, err := fetcher.Open(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	return consume(body)
}

func (d *Downloader) backoff(ctx context.Context) backoff.BackOff {
	maxRetries := uint64(1)
	if d.retryDelay <= 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay), maxRetries), ctx)
}

func (d *Downloader) fetcherFor(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	f, ok := d.fetchers[u.Scheme]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return !errors.Is(err, ErrNotFound)
}
