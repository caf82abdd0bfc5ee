package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/policy"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// State of a Launcher
type State int32

const (
	StateCreated State = iota
	StateResolving
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateResolving:
		return "RESOLVING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrAlreadyResolved is returned when Resolve is called a second time
	ErrAlreadyResolved = errors.New("launcher has already been resolved, create a new one")
	// ErrHashMismatch is reported when an embedded copy doesn't match the recorded hash
	ErrHashMismatch = errors.New("asset hash mismatch")
	// ErrNoLaunchableUpdate is the reason of an Unavailable result when no update is stored
	ErrNoLaunchableUpdate = errors.New("no launchable update")
)

// EmbeddedSource serves the files shipped together with the host binary
type EmbeddedSource interface {
	Manifest() (*types.Manifest, error)
	CopyAsset(ctx context.Context, asset *types.Asset, relPath string) ([]byte, error)
}

// RemoteSource downloads assets
type RemoteSource interface {
	FetchAsset(ctx context.Context, asset *types.Asset, relPath string) ([]byte, error)
}

// Config holds the collaborators of a Launcher
type Config struct {
	Store    store.Store
	Content  *contentstore.Store
	Policy   policy.SelectionPolicy
	Embedded EmbeddedSource
	Remote   RemoteSource
	// BinaryVersion of the host. Empty disables the compatibility filter.
	BinaryVersion string
}

// Launcher picks the update to run and makes sure its files are on disk. A Launcher resolves
// once, create a new one to resolve again.
type Launcher struct {
	cfg Config

	state atomic.Int32

	outstanding atomic.Int32
	finishOnce  sync.Once
	done        chan struct{}

	mu              sync.Mutex
	update          *types.Update
	launchAssetPath string
	localAssets     map[string]string
	result          Result
}

// New returns a Launcher in the CREATED state
func New(cfg Config) *Launcher {
	return &Launcher{
		cfg:         cfg,
		done:        make(chan struct{}),
		localAssets: make(map[string]string),
	}
}

// State returns the current state
func (l *Launcher) State() State {
	return State(l.state.Load())
}

// Done is closed once the resolution finished
func (l *Launcher) Done() <-chan struct{} {
	return l.done
}

// Result returns the outcome of the resolution or nil while it is running
func (l *Launcher) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Resolve selects the update to launch and ensures its assets are stored, fetching missing ones
// concurrently. It holds the store lock until every fetch completed and returns the result.
func (l *Launcher) Resolve(ctx context.Context) (Result, error) {
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateResolving)) {
		return nil, ErrAlreadyResolved
	}

	start := time.Now()
	unlock := l.cfg.Store.AcquireGlobalLock(ctx)
	defer unlock()

	update, assets, err := l.selectUpdate(ctx)
	if err != nil {
		l.finish(&Unavailable{Reason: err})
		return l.Result(), nil
	}

	l.mu.Lock()
	l.update = update
	l.mu.Unlock()

	// the resolver holds one token so the launch can't finish before every fetch was enqueued
	l.outstanding.Store(1)
	for _, asset := range assets {
		l.ensureAsset(ctx, asset)
	}
	l.release()

	<-l.done
	log.Infof("resolved launch of update %s in %v, state %s", update.ID, time.Since(start), l.State())
	return l.Result(), nil
}

func (l *Launcher) selectUpdate(ctx context.Context) (*types.Update, []*types.Asset, error) {
	launchable, err := l.cfg.Store.GetLaunchableUpdates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load launchable updates: %w", err)
	}

	candidates := policy.FilterCompatible(launchable, l.cfg.BinaryVersion)
	if len(candidates) == 0 && len(launchable) > 0 {
		log.Warnf("no update supports binary version %s, considering all %d launchable updates", l.cfg.BinaryVersion, len(launchable))
		candidates = launchable
	}

	update := l.cfg.Policy.SelectUpdateToLaunch(candidates)
	if update == nil {
		return nil, nil, ErrNoLaunchableUpdate
	}

	assets, err := l.cfg.Store.GetAssetsForUpdate(ctx, update.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load assets of update %s: %w", update.ID, err)
	}

	hasLaunchAsset := false
	for _, a := range assets {
		if a.IsLaunchAsset {
			hasLaunchAsset = true
			break
		}
	}
	if !hasLaunchAsset {
		return nil, nil, fmt.Errorf("update %s has no launch asset", update.ID)
	}

	log.Debugf("selected update %s committed at %s with %d assets", update.ID, update.CommitTime, len(assets))
	return update, assets, nil
}

// ensureAsset records the asset when its file is stored or can be restored from the embedded
// bundle, otherwise it starts a remote fetch
func (l *Launcher) ensureAsset(ctx context.Context, asset *types.Asset) {
	if asset.RelativePath == "" {
		asset.RelativePath = contentstore.PathFor(asset)
	}

	if l.cfg.Content.Exists(asset.RelativePath) {
		l.record(asset, true)
		return
	}

	err := l.copyEmbedded(ctx, asset)
	if err == nil {
		l.record(asset, true)
		return
	}
	log.Debugf("asset %s can't be restored from the embedded bundle: %v", asset.URL, err)

	if l.cfg.Remote == nil {
		log.Errorf("asset %s is missing and can't be downloaded", asset.URL)
		l.record(asset, false)
		return
	}

	l.outstanding.Add(1)
	go func() {
		defer l.release()
		l.record(asset, l.fetch(ctx, asset))
	}()
}

func (l *Launcher) copyEmbedded(ctx context.Context, asset *types.Asset) error {
	if l.cfg.Embedded == nil {
		return errors.New("no embedded bundle")
	}
	m, err := l.cfg.Embedded.Manifest()
	if err != nil {
		return err
	}

	var match *types.Asset
	for _, embedded := range m.AssetList() {
		if embedded.URL == asset.URL {
			match = embedded
			break
		}
	}
	if match == nil {
		return errors.New("not part of the embedded bundle")
	}

	digest, err := l.cfg.Embedded.CopyAsset(ctx, match, asset.RelativePath)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, asset.Hash) {
		if rmErr := l.cfg.Content.Remove(asset.RelativePath); rmErr != nil {
			log.Warnf("failed to remove mismatching copy of %s: %v", asset.URL, rmErr)
		}
		return fmt.Errorf("%w: embedded copy of %s", ErrHashMismatch, asset.URL)
	}
	return nil
}

func (l *Launcher) fetch(ctx context.Context, asset *types.Asset) bool {
	digest, err := l.cfg.Remote.FetchAsset(ctx, asset, asset.RelativePath)
	if err != nil {
		log.Errorf("failed to load asset %s from disk or network: %v", asset.URL, err)
		return false
	}

	now := time.Now().UTC()
	asset.Hash = digest
	asset.DownloadTime = &now
	if err := l.cfg.Store.UpdateAsset(ctx, asset); err != nil {
		log.Warnf("failed to persist downloaded asset %s: %v", asset.URL, err)
	}
	return l.cfg.Content.Exists(asset.RelativePath)
}

func (l *Launcher) record(asset *types.Asset, stored bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !stored {
		return
	}
	path := l.cfg.Content.AbsPath(asset.RelativePath)
	if asset.IsLaunchAsset {
		l.launchAssetPath = path
	}
	l.localAssets[asset.URL] = path
}

// release drops one outstanding token and finishes the launch when none are left
func (l *Launcher) release() {
	if l.outstanding.Add(-1) != 0 {
		return
	}

	l.mu.Lock()
	update, launchAssetPath := l.update, l.launchAssetPath
	localAssets := make(map[string]string, len(l.localAssets))
	for k, v := range l.localAssets {
		localAssets[k] = v
	}
	l.mu.Unlock()

	if launchAssetPath == "" {
		log.Errorf("could not launch update %s, failed to load the launch asset from disk or network", update.ID)
		l.finish(&Unavailable{Reason: fmt.Errorf("launch asset of update %s is unavailable", update.ID)})
		return
	}

	l.finish(&Resolved{
		Update:          update,
		LaunchAssetPath: launchAssetPath,
		LocalAssets:     localAssets,
	})
}

func (l *Launcher) finish(result Result) {
	l.finishOnce.Do(func() {
		l.mu.Lock()
		l.result = result
		l.mu.Unlock()

		if _, ok := result.(*Resolved); ok {
			l.state.Store(int32(StateReady))
		} else {
			l.state.Store(int32(StateFailed))
		}
		close(l.done)
	})
}
