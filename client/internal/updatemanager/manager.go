package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/downloader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/launcher"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/loader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/policy"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/reaper"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// AssetsDirName is the content store directory inside the data directory
const AssetsDirName = "assets"

// CheckOnLaunch controls the remote check started once the launch was resolved
type CheckOnLaunch string

const (
	CheckAlways   CheckOnLaunch = "ALWAYS"
	CheckNever    CheckOnLaunch = "NEVER"
	CheckWifiOnly CheckOnLaunch = "WIFI_ONLY"
)

// ParseCheckOnLaunch returns the policy named by s. Unknown values fall back to CheckAlways.
func ParseCheckOnLaunch(s string) CheckOnLaunch {
	switch c := CheckOnLaunch(s); c {
	case CheckAlways, CheckNever, CheckWifiOnly:
		return c
	case "":
		return CheckAlways
	default:
		log.Errorf("invalid check on launch value %q, falling back to %s", s, CheckAlways)
		return CheckAlways
	}
}

var (
	// ErrConfiguration is returned by NewManager when the update source can't be used
	ErrConfiguration = errors.New("invalid update configuration")
	// ErrEmergencyLaunch is returned when no stored update can be launched and the host has to
	// run its embedded bundle
	ErrEmergencyLaunch = errors.New("no update can be launched, use the embedded bundle")
	// ErrNotStarted is returned by operations that need a started manager
	ErrNotStarted = errors.New("update manager not started")
)

// NetworkMonitor reports the kind of connection the host uses
type NetworkMonitor interface {
	IsMetered() bool
}

// Config holds the settings and the collaborators of a Manager
type Config struct {
	// ManifestURL is the http(s) or s3 location of the update manifest
	ManifestURL string
	// DataDir holds the metadata database and the content store
	DataDir string
	// Embedded is the bundle shipped with the host. Nil when there is none.
	Embedded      fs.FS
	CheckOnLaunch CheckOnLaunch
	// LaunchWait is the minimum time the launch waits for the background check
	LaunchWait    time.Duration
	BinaryVersion string
	Manifest      manifest.Config
	// Downloader defaults to an HTTP downloader sending Headers
	Downloader             loader.Downloader
	Headers                downloader.Headers
	Policy                 policy.SelectionPolicy
	Network                NetworkMonitor
	MaxConcurrentDownloads int
	// CheckCacheTTL caches CheckForUpdate results. Zero disables the cache.
	CheckCacheTTL time.Duration
	Metrics       *Metrics
}

// CheckResult is the outcome of CheckForUpdate
type CheckResult struct {
	Manifest *types.Manifest
	// Available is set when the remote update should replace the launched one
	Available bool
}

// Manager owns the update lifecycle of one host process: it resolves the launch, checks for
// newer updates in the background and reclaims the space of superseded ones.
type Manager struct {
	cfg        Config
	policy     policy.SelectionPolicy
	metrics    *Metrics
	checkCache *gocache.Cache

	store      store.Store
	content    *contentstore.Store
	embedded   *loader.EmbeddedLoader
	remote     *loader.RemoteLoader
	storageErr error

	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	resolved  chan struct{}
	waited    chan struct{}
	waitOnce  sync.Once
	waitTimer *time.Timer
	stopOnce  sync.Once

	events chan Event

	mu       sync.Mutex
	launcher *launcher.Launcher
	result   launcher.Result
	launched bool
}

// NewManager validates cfg and returns a Manager. Nothing is read or written before Start.
func NewManager(cfg Config) (*Manager, error) {
	if err := validateManifestURL(cfg.ManifestURL); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory is not set", ErrConfiguration)
	}

	cfg.CheckOnLaunch = ParseCheckOnLaunch(string(cfg.CheckOnLaunch))
	if cfg.Policy == nil {
		cfg.Policy = policy.NewNewest()
	}
	if cfg.Downloader == nil {
		client := &http.Client{Transport: cfg.Metrics.RoundTripper(http.DefaultTransport)}
		cfg.Downloader = downloader.New(downloader.NewHTTPFetcher(client, cfg.Headers), downloader.DefaultRetryDelay)
	}

	m := &Manager{
		cfg:      cfg,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		resolved: make(chan struct{}),
		waited:   make(chan struct{}),
		events:   make(chan Event, eventBufferSize),
	}
	if cfg.CheckCacheTTL > 0 {
		m.checkCache = gocache.New(cfg.CheckCacheTTL, 2*cfg.CheckCacheTTL)
	}
	return m, nil
}

func validateManifestURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: manifest url is not set", ErrConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse manifest url: %v", ErrConfiguration, err)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("%w: unsupported manifest url scheme %q", ErrConfiguration, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: manifest url %s has no host", ErrConfiguration, raw)
	}
	return nil
}

// Start opens the storage and resolves the launch in the background. When the storage can't be
// opened the launch resolves to launcher.Unavailable.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		log.Errorf("update manager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.LaunchWait > 0 {
		m.waitTimer = time.AfterFunc(m.cfg.LaunchWait, m.openWaitGate)
	} else {
		m.openWaitGate()
	}

	if err := m.openStorage(); err != nil {
		log.Errorf("failed to open update storage, launching without updates: %v", err)
		m.storageErr = err
		m.setLaunch(nil, &launcher.Unavailable{Reason: err})
		close(m.resolved)
		m.openWaitGate()
		return
	}

	m.wg.Add(1)
	go m.startup(ctx)
}

func (m *Manager) openStorage() error {
	content, err := contentstore.New(filepath.Join(m.cfg.DataDir, AssetsDirName))
	if err != nil {
		return err
	}
	s, err := store.NewSqliteStore(m.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", contentstore.ErrStorageInit, err)
	}

	// the embedded bundle is trusted as shipped
	embeddedCfg := m.cfg.Manifest
	embeddedCfg.RequireSignature = false

	m.store = s
	m.content = content
	m.embedded = loader.NewEmbeddedLoader(m.cfg.Embedded, manifest.NewDecoder(embeddedCfg), s, content)
	m.remote = loader.NewRemoteLoader(m.cfg.ManifestURL, m.cfg.Downloader, manifest.NewDecoder(m.cfg.Manifest), s, content, m.cfg.MaxConcurrentDownloads)
	return nil
}

func (m *Manager) startup(ctx context.Context) {
	defer m.wg.Done()

	start := time.Now()
	m.loadEmbeddedIfNewer(ctx)

	l := m.newLauncher()
	m.mu.Lock()
	m.launcher = l
	m.mu.Unlock()

	result, err := l.Resolve(ctx)
	if err != nil {
		result = &launcher.Unavailable{Reason: err}
	}
	m.setLaunch(l, result)
	close(m.resolved)
	m.metrics.launchResolved(result, time.Since(start))
	logLaunch(result)

	if !m.shouldCheckOnLaunch() {
		m.reap(ctx)
		return
	}
	m.checkOnLaunch(ctx)
}

// loadEmbeddedIfNewer stores the embedded update when it is newer than every launchable one
func (m *Manager) loadEmbeddedIfNewer(ctx context.Context) {
	em, err := m.embedded.Manifest()
	if errors.Is(err, loader.ErrNoEmbeddedUpdate) {
		log.Debugf("no embedded update: %v", err)
		return
	}
	if err != nil {
		log.Errorf("failed to read embedded update: %v", err)
		return
	}

	unlock := m.store.AcquireGlobalLock(ctx)
	launchable, err := m.store.GetLaunchableUpdates(ctx)
	unlock()
	if err != nil {
		log.Errorf("failed to load launchable updates: %v", err)
		return
	}

	newest := m.policy.SelectUpdateToLaunch(policy.FilterCompatible(launchable, m.cfg.BinaryVersion))
	if !m.policy.ShouldLoadNewUpdate(em.Update(), newest) {
		return
	}

	log.Infof("embedded update %s is newer than the stored updates, loading it", em.ID)
	if _, err := m.embedded.Load(ctx); err != nil {
		log.Errorf("failed to load embedded update %s: %v", em.ID, err)
	}
}

func (m *Manager) newLauncher() *launcher.Launcher {
	return launcher.New(launcher.Config{
		Store:         m.store,
		Content:       m.content,
		Policy:        m.policy,
		Embedded:      m.embedded,
		Remote:        m.remote,
		BinaryVersion: m.cfg.BinaryVersion,
	})
}

func (m *Manager) setLaunch(l *launcher.Launcher, result launcher.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launcher = l
	m.result = result
}

func logLaunch(result launcher.Result) {
	switch r := result.(type) {
	case *launcher.Resolved:
		log.Infof("launching update %s from %s", r.Update.ID, r.LaunchAssetPath)
	case *launcher.Unavailable:
		log.Warnf("no update to launch, falling back to the embedded bundle: %v", r.Reason)
	}
}

func (m *Manager) shouldCheckOnLaunch() bool {
	switch m.cfg.CheckOnLaunch {
	case CheckNever:
		log.Debugf("update check on launch is disabled")
		return false
	case CheckWifiOnly:
		if m.cfg.Network == nil {
			log.Warnf("no network monitor set, skipping the update check on launch")
			return false
		}
		if m.cfg.Network.IsMetered() {
			log.Infof("connection is metered, skipping the update check on launch")
			return false
		}
		return true
	default:
		return true
	}
}

// checkOnLaunch loads the remote update. A newer update replaces the resolved launch while the
// host hasn't launched yet. Only a successful check ends the launch wait early, and the
// outcome is reported to hosts that already launched. Errors are always reported.
func (m *Manager) checkOnLaunch(ctx context.Context) {
	res, err := m.remote.Load(ctx, m.shouldLoad)
	event := eventFor(res, err)
	m.metrics.checkFinished(event.Type)

	switch event.Type {
	case EventUpdateAvailable:
		launched := m.replaceLaunch(ctx)
		m.openWaitGate()
		if launched {
			m.emit(event)
		}
	case EventNoUpdateAvailable:
		m.openWaitGate()
		if m.hasLaunched() {
			m.emit(event)
		}
	default:
		m.emit(event)
	}
	m.reap(ctx)
}

func eventFor(res *loader.Result, err error) Event {
	switch {
	case err != nil:
		log.Errorf("failed to check for update: %v", err)
		e := Event{Type: EventError, Err: err}
		if res != nil {
			e.Manifest = res.Manifest
		}
		return e
	case res.Update == nil:
		return Event{Type: EventNoUpdateAvailable, Manifest: res.Manifest}
	case !res.Ready():
		return Event{Type: EventError, Manifest: res.Manifest, Err: fmt.Errorf("update %s is %s", res.Update.ID, res.Update.Status)}
	default:
		return Event{Type: EventUpdateAvailable, Manifest: res.Manifest, Update: res.Update}
	}
}

// replaceLaunch switches the pending launch to the newly loaded update. It reports whether the
// host had already launched, in which case the update waits for the next start.
func (m *Manager) replaceLaunch(ctx context.Context) bool {
	if m.hasLaunched() {
		log.Infof("a newer update is ready and will be launched on the next start")
		return true
	}

	l := m.newLauncher()
	result, err := l.Resolve(ctx)
	if err != nil {
		log.Errorf("failed to resolve the new update: %v", err)
		return false
	}
	if _, ok := result.(*launcher.Resolved); !ok {
		log.Warnf("the new update can't be launched, keeping the current launch")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launched {
		log.Infof("a newer update is ready and will be launched on the next start")
		return true
	}
	m.launcher = l
	m.result = result
	logLaunch(result)
	return false
}

func (m *Manager) shouldLoad(mf *types.Manifest) bool {
	candidate := mf.Update()
	if len(policy.FilterCompatible([]*types.Update{candidate}, m.cfg.BinaryVersion)) == 0 {
		log.Infof("update %s doesn't support binary version %s", candidate.ID, m.cfg.BinaryVersion)
		return false
	}
	return m.policy.ShouldLoadNewUpdate(candidate, m.LaunchedUpdate())
}

func (m *Manager) openWaitGate() {
	m.waitOnce.Do(func() {
		close(m.waited)
	})
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		log.Debugf("dropped %s event, nobody is listening", e.Type)
	}
}

func (m *Manager) reap(ctx context.Context) {
	if _, err := m.Reap(ctx); err != nil {
		log.Errorf("failed to reap unused updates: %v", err)
	}
}

func (m *Manager) hasLaunched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launched
}

func (m *Manager) requireStorage() error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	return m.storageErr
}

// Launch waits until the launch was resolved and the launch wait is over and returns the
// result. From then on background checks no longer replace the launch.
func (m *Manager) Launch(ctx context.Context) (launcher.Result, error) {
	if !m.started.Load() {
		return nil, ErrNotStarted
	}

	for _, gate := range []<-chan struct{}{m.resolved, m.waited} {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.launched = true
	return m.result, nil
}

// LaunchAssetPath returns the absolute path of the launch asset to run. It returns
// ErrEmergencyLaunch when the host has to run its embedded bundle instead.
func (m *Manager) LaunchAssetPath(ctx context.Context) (string, error) {
	result, err := m.Launch(ctx)
	if err != nil {
		return "", err
	}

	switch r := result.(type) {
	case *launcher.Resolved:
		return r.LaunchAssetPath, nil
	case *launcher.Unavailable:
		return "", fmt.Errorf("%w: %v", ErrEmergencyLaunch, r.Reason)
	default:
		return "", ErrEmergencyLaunch
	}
}

// LaunchState returns the state of the launcher behind the current launch
func (m *Manager) LaunchState() launcher.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.launcher != nil:
		return m.launcher.State()
	case m.result != nil:
		return launcher.StateFailed
	default:
		return launcher.StateCreated
	}
}

// EmbeddedLaunchAssetName is the file name of the launch asset inside the embedded bundle
func (m *Manager) EmbeddedLaunchAssetName() string {
	return types.EmbeddedLaunchAssetFilename
}

// LaunchedUpdate returns a copy of the update resolved for the launch or nil
func (m *Manager) LaunchedUpdate() *types.Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.result.(*launcher.Resolved); ok {
		return r.Update.Copy()
	}
	return nil
}

// LocalAssets maps the asset URLs of the launched update to their stored files
func (m *Manager) LocalAssets() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.result.(*launcher.Resolved)
	if !ok {
		return nil
	}
	assets := make(map[string]string, len(r.LocalAssets))
	for k, v := range r.LocalAssets {
		assets[k] = v
	}
	return assets
}

// IsEmergencyLaunch reports whether the launch resolved to the embedded bundle fallback
func (m *Manager) IsEmergencyLaunch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.result.(*launcher.Unavailable)
	return ok
}

// Events delivers the outcome of background update checks that finish after the host launched,
// and every check error. Events are dropped when the buffer is full.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CheckForUpdate fetches the remote manifest and reports whether it should replace the launched
// update. No asset is downloaded.
func (m *Manager) CheckForUpdate(ctx context.Context) (*CheckResult, error) {
	if err := m.requireStorage(); err != nil {
		return nil, err
	}

	if m.checkCache != nil {
		if cached, ok := m.checkCache.Get(m.cfg.ManifestURL); ok {
			log.Debugf("using cached update check result")
			return cached.(*CheckResult), nil
		}
	}

	mf, err := m.remote.FetchManifest(ctx)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Manifest: mf, Available: m.shouldLoad(mf)}
	if m.checkCache != nil {
		m.checkCache.SetDefault(m.cfg.ManifestURL, res)
	}
	return res, nil
}

// FetchUpdate downloads the remote update when it should replace the launched one. It returns
// nil when there is nothing newer.
func (m *Manager) FetchUpdate(ctx context.Context) (*types.Update, error) {
	if err := m.requireStorage(); err != nil {
		return nil, err
	}

	res, err := m.remote.Load(ctx, m.shouldLoad)
	if m.checkCache != nil {
		m.checkCache.Delete(m.cfg.ManifestURL)
	}
	if err != nil {
		return nil, err
	}
	if res.Update == nil {
		return nil, nil
	}
	if !res.Ready() {
		return nil, fmt.Errorf("update %s is %s", res.Update.ID, res.Update.Status)
	}
	return res.Update, nil
}

// Relaunch resolves the launch again, typically after FetchUpdate stored a newer update. The
// current launch is kept when the new resolution is unavailable.
func (m *Manager) Relaunch(ctx context.Context) (launcher.Result, error) {
	if err := m.requireStorage(); err != nil {
		return nil, err
	}

	start := time.Now()
	l := m.newLauncher()
	result, err := l.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.launchResolved(result, time.Since(start))

	if _, ok := result.(*launcher.Resolved); !ok {
		logLaunch(result)
		return result, nil
	}

	m.mu.Lock()
	m.launcher = l
	m.result = result
	m.launched = true
	m.mu.Unlock()
	logLaunch(result)

	m.reap(ctx)
	return result, nil
}

// Reap removes the updates superseded by the launched one and their unreferenced files
func (m *Manager) Reap(ctx context.Context) (reaper.Stats, error) {
	if err := m.requireStorage(); err != nil {
		return reaper.Stats{}, err
	}
	stats, err := reaper.Reap(ctx, m.store, m.content, m.LaunchedUpdate(), m.policy)
	if err != nil {
		return stats, err
	}
	m.metrics.reaped(stats)
	return stats, nil
}

// StoredUpdates lists every stored update ordered by commit time
func (m *Manager) StoredUpdates(ctx context.Context) ([]*types.Update, error) {
	if err := m.requireStorage(); err != nil {
		return nil, err
	}
	unlock := m.store.AcquireGlobalLock(ctx)
	defer unlock()
	return m.store.GetAllUpdates(ctx)
}

// Stop waits for the background check and reaping to finish, then closes the storage. Cancel the
// context passed to Start to abort the background work.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}

	m.stopOnce.Do(func() {
		m.wg.Wait()
		m.cancel()
		if m.waitTimer != nil {
			m.waitTimer.Stop()
		}

		if m.store != nil {
			if err := m.store.Close(); err != nil {
				log.Warnf("failed to close update store: %v", err)
			}
		}
	})
}
