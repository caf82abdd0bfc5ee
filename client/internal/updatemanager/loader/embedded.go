package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// EmbeddedManifestFilename is the name of the manifest inside the embedded bundle
const EmbeddedManifestFilename = "app.manifest"

// ErrNoEmbeddedUpdate is returned when the host ships without an embedded bundle
var ErrNoEmbeddedUpdate = errors.New("no embedded update")

// EmbeddedLoader ingests the update shipped together with the host binary
type EmbeddedLoader struct {
	fsys    fs.FS
	decoder *manifest.Decoder
	store   store.Store
	content *contentstore.Store

	once     sync.Once
	manifest *types.Manifest
	err      error
}

// NewEmbeddedLoader returns a loader reading the bundle from fsys. A nil fsys means there is no
// embedded update.
func NewEmbeddedLoader(fsys fs.FS, decoder *manifest.Decoder, s store.Store, content *contentstore.Store) *EmbeddedLoader {
	return &EmbeddedLoader{
		fsys:    fsys,
		decoder: decoder,
		store:   s,
		content: content,
	}
}

// Manifest returns the embedded manifest. It is read once for the lifetime of the loader.
func (l *EmbeddedLoader) Manifest() (*types.Manifest, error) {
	l.once.Do(func() {
		if l.fsys == nil {
			l.err = ErrNoEmbeddedUpdate
			return
		}
		raw, err := fs.ReadFile(l.fsys, EmbeddedManifestFilename)
		if err != nil {
			l.err = fmt.Errorf("%w: read %s: %v", ErrNoEmbeddedUpdate, EmbeddedManifestFilename, err)
			return
		}
		l.manifest, l.err = l.decoder.Decode(raw)
		if l.err != nil {
			log.Errorf("could not read embedded manifest: %v", l.err)
		}
	})
	return l.manifest, l.err
}

// Load stores the embedded update and its assets. The update becomes EMBEDDED once every asset
// was copied.
func (l *EmbeddedLoader) Load(ctx context.Context) (*Result, error) {
	m, err := l.Manifest()
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		store:       l.store,
		content:     l.content,
		finalStatus: types.StatusEmbedded,
		concurrency: 1,
		fetch:       l.CopyAsset,
	}
	return p.process(ctx, m)
}

// CopyAsset copies the embedded file of asset to relPath in the content store and returns the
// digest of the copy
func (l *EmbeddedLoader) CopyAsset(ctx context.Context, asset *types.Asset, relPath string) ([]byte, error) {
	if l.fsys == nil {
		return nil, ErrNoEmbeddedUpdate
	}
	if asset.EmbeddedFilename == "" {
		return nil, fmt.Errorf("asset %s is not embedded", asset.URL)
	}

	f, err := l.fsys.Open(asset.EmbeddedFilename)
	if err != nil {
		return nil, fmt.Errorf("open embedded %s: %w", asset.EmbeddedFilename, err)
	}
	defer f.Close()

	digest, err := l.content.WriteAtomically(ctx, f, relPath)
	if err != nil {
		log.Errorf("failed to copy asset %s: %v", asset.EmbeddedFilename, err)
		return nil, err
	}
	return digest, nil
}
