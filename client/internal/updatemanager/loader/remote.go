package loader

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/downloader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// DefaultConcurrentDownloads bounds the asset downloads of one update
const DefaultConcurrentDownloads = 4

// Downloader transfers remote resources
type Downloader interface {
	Download(ctx context.Context, req downloader.Request, consume func(io.Reader) error) error
	DownloadToMemory(ctx context.Context, req downloader.Request, limit int64) ([]byte, error)
}

// RemoteLoader ingests the update published at the manifest URL
type RemoteLoader struct {
	manifestURL string
	downloader  Downloader
	decoder     *manifest.Decoder
	store       store.Store
	content     *contentstore.Store
	concurrency int
}

// NewRemoteLoader returns a loader for manifestURL downloading up to concurrency assets at once
func NewRemoteLoader(manifestURL string, d Downloader, decoder *manifest.Decoder, s store.Store, content *contentstore.Store, concurrency int) *RemoteLoader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrentDownloads
	}
	return &RemoteLoader{
		manifestURL: manifestURL,
		downloader:  d,
		decoder:     decoder,
		store:       s,
		content:     content,
		concurrency: concurrency,
	}
}

// FetchManifest downloads and decodes the manifest. Signature failures are reported as
// manifest.ErrSignature.
func (l *RemoteLoader) FetchManifest(ctx context.Context) (*types.Manifest, error) {
	raw, err := l.downloader.DownloadToMemory(ctx, downloader.Request{URL: l.manifestURL, Manifest: true}, downloader.DefaultManifestLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	m, err := l.decoder.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode manifest from %s: %w", l.manifestURL, err)
	}
	log.Debugf("fetched manifest of update %s committed at %s", m.ID, m.CommitTime)
	return m, nil
}

// Load fetches the manifest and, when shouldLoad accepts it, stores its update and downloads the
// missing assets. Result.Update is nil when shouldLoad rejected the manifest.
func (l *RemoteLoader) Load(ctx context.Context, shouldLoad func(*types.Manifest) bool) (*Result, error) {
	m, err := l.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	if shouldLoad != nil && !shouldLoad(m) {
		log.Infof("remote update %s is not newer than the launched one", m.ID)
		return &Result{Manifest: m}, nil
	}

	return l.LoadManifest(ctx, m)
}

// LoadManifest stores the update of an already fetched manifest
func (l *RemoteLoader) LoadManifest(ctx context.Context, m *types.Manifest) (*Result, error) {
	p := &pipeline{
		store:       l.store,
		content:     l.content,
		finalStatus: types.StatusReady,
		concurrency: l.concurrency,
		fetch:       l.FetchAsset,
	}
	return p.process(ctx, m)
}

// FetchAsset downloads asset to relPath in the content store and returns the digest of the
// stored bytes
func (l *RemoteLoader) FetchAsset(ctx context.Context, asset *types.Asset, relPath string) ([]byte, error) {
	var digest []byte
	err := l.downloader.Download(ctx, downloader.Request{URL: asset.URL}, func(r io.Reader) error {
		d, err := l.content.WriteAtomically(ctx, r, relPath)
		if err != nil {
			return err
		}
		digest = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}
