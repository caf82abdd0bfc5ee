package loader

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/downloader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

type testEnv struct {
	store   *store.SqliteStore
	content *contentstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSqliteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	content, err := contentstore.New(t.TempDir())
	require.NoError(t, err)

	return &testEnv{store: s, content: content}
}

type testAsset struct {
	URL            string `json:"url"`
	Type           string `json:"type"`
	AssetsFilename string `json:"assetsFilename,omitempty"`
}

func manifestDoc(t *testing.T, id string, commit time.Time, bundleURL string, assets ...testAsset) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":             id,
		"commitTime":     commit.UnixMilli(),
		"binaryVersions": "1.0.0",
		"bundleUrl":      bundleURL,
		"assets":         assets,
	})
	require.NoError(t, err)
	return raw
}

func sha(data string) []byte {
	sum := sha256.Sum256([]byte(data))
	return sum[:]
}

func embeddedFS(t *testing.T, id string) fstest.MapFS {
	return fstest.MapFS{
		EmbeddedManifestFilename: {Data: manifestDoc(t, id, time.Now(), "https://cdn.example.com/embedded.bundle",
			testAsset{URL: "https://cdn.example.com/logo.png", Type: "png", AssetsFilename: "logo.png"},
		)},
		types.EmbeddedLaunchAssetFilename: {Data: []byte("embedded bundle")},
		"logo.png":                        {Data: []byte("logo")},
	}
}

func TestEmbeddedLoader_Load(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := uuid.NewString()

	l := NewEmbeddedLoader(embeddedFS(t, id), manifest.NewDecoder(manifest.Config{}), env.store, env.content)

	res, err := l.Load(ctx)
	require.NoError(t, err)
	require.True(t, res.Ready())
	assert.False(t, res.Adopted)
	assert.Equal(t, types.StatusEmbedded, res.Update.Status)

	assets, err := env.store.GetAssetsForUpdate(ctx, id)
	require.NoError(t, err)
	require.Len(t, assets, 2)

	byURL := map[string]*types.Asset{}
	for _, a := range assets {
		byURL[a.URL] = a
		assert.True(t, env.content.Exists(a.RelativePath))
		assert.Equal(t, contentstore.PathFor(a), a.RelativePath)
	}
	launch := byURL["https://cdn.example.com/embedded.bundle"]
	require.NotNil(t, launch)
	assert.True(t, launch.IsLaunchAsset)
	assert.Equal(t, sha("embedded bundle"), launch.Hash)
	assert.Equal(t, sha("logo"), byURL["https://cdn.example.com/logo.png"].Hash)

	again, err := l.Load(ctx)
	require.NoError(t, err)
	assert.True(t, again.Adopted)
}

func TestEmbeddedLoader_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := uuid.NewString()

	fsys := embeddedFS(t, id)
	delete(fsys, "logo.png")

	l := NewEmbeddedLoader(fsys, manifest.NewDecoder(manifest.Config{}), env.store, env.content)
	res, err := l.Load(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Ready())
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "https://cdn.example.com/logo.png", res.Failed[0].URL)

	stored, err := env.store.GetUpdate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)

	assets, err := env.store.GetAssetsForUpdate(ctx, id)
	require.NoError(t, err)
	require.Len(t, assets, 1, "succeeded assets are kept")
	assert.True(t, assets[0].IsLaunchAsset)

	// a later run with the missing file completes the update without copying the bundle again
	fsys["logo.png"] = &fstest.MapFile{Data: []byte("logo")}
	l = NewEmbeddedLoader(fsys, manifest.NewDecoder(manifest.Config{}), env.store, env.content)
	res, err = l.Load(ctx)
	require.NoError(t, err)
	assert.True(t, res.Ready())
}

func TestEmbeddedLoader_IndexesUntrackedFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := uuid.NewString()

	// the file is on disk but the metadata store doesn't know it
	logo := &types.Asset{URL: "https://cdn.example.com/logo.png", Type: "png"}
	require.NoError(t, os.WriteFile(env.content.AbsPath(contentstore.PathFor(logo)), []byte("stale logo"), 0600))

	l := NewEmbeddedLoader(embeddedFS(t, id), manifest.NewDecoder(manifest.Config{}), env.store, env.content)
	res, err := l.Load(ctx)
	require.NoError(t, err)
	assert.True(t, res.Ready())

	stored, err := env.store.GetAssetByURL(ctx, logo.URL)
	require.NoError(t, err)
	assert.Equal(t, sha("stale logo"), stored.Hash, "existing files are trusted and indexed")
}

func TestEmbeddedLoader_NoBundle(t *testing.T) {
	env := newTestEnv(t)
	l := NewEmbeddedLoader(nil, manifest.NewDecoder(manifest.Config{}), env.store, env.content)

	_, err := l.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoEmbeddedUpdate)

	_, err = l.CopyAsset(context.Background(), &types.Asset{URL: "x", EmbeddedFilename: "x"}, "x")
	assert.ErrorIs(t, err, ErrNoEmbeddedUpdate)

	l = NewEmbeddedLoader(fstest.MapFS{}, manifest.NewDecoder(manifest.Config{}), env.store, env.content)
	_, err = l.Manifest()
	assert.ErrorIs(t, err, ErrNoEmbeddedUpdate)
}

type updateServer struct {
	*httptest.Server
	mu       sync.Mutex
	manifest []byte
	assets   map[string]string
	hits     map[string]int
}

func newUpdateServer(t *testing.T) *updateServer {
	s := &updateServer{assets: map[string]string{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits[r.URL.Path]++

		if r.URL.Path == "/manifest" {
			_, _ = w.Write(s.manifest)
			return
		}
		body, ok := s.assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *updateServer) setManifest(doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = doc
}

func (s *updateServer) hitsFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newRemoteLoader(env *testEnv, srv *updateServer, cfg manifest.Config) *RemoteLoader {
	d := downloader.New(downloader.NewHTTPFetcher(srv.Client(), downloader.Headers{Platform: "linux"}), time.Millisecond)
	return NewRemoteLoader(srv.URL+"/manifest", d, manifest.NewDecoder(cfg), env.store, env.content, 2)
}

func TestRemoteLoader_Load(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	srv := newUpdateServer(t)
	srv.assets["/bundle-1.js"] = "bundle one"
	srv.assets["/bundle-2.js"] = "bundle two"
	srv.assets["/shared.png"] = "shared"

	first := uuid.NewString()
	srv.setManifest(manifestDoc(t, first, time.Now(), srv.URL+"/bundle-1.js",
		testAsset{URL: srv.URL + "/shared.png", Type: "png"}))

	l := newRemoteLoader(env, srv, manifest.Config{})
	res, err := l.Load(ctx, func(*types.Manifest) bool { return true })
	require.NoError(t, err)
	require.True(t, res.Ready())
	assert.Equal(t, types.StatusReady, res.Update.Status)

	second := uuid.NewString()
	srv.setManifest(manifestDoc(t, second, time.Now().Add(time.Minute), srv.URL+"/bundle-2.js",
		testAsset{URL: srv.URL + "/shared.png", Type: "png"}))

	res, err = l.Load(ctx, func(*types.Manifest) bool { return true })
	require.NoError(t, err)
	require.True(t, res.Ready())

	assert.Equal(t, 1, srv.hitsFor("/shared.png"), "a url is downloaded once and linked afterwards")

	assets, err := env.store.GetAssetsForUpdate(ctx, second)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	for _, a := range assets {
		if a.URL == srv.URL+"/shared.png" {
			assert.Equal(t, sha("shared"), a.Hash)
		}
	}
}

func TestRemoteLoader_ShouldLoadRejects(t *testing.T) {
	env := newTestEnv(t)
	srv := newUpdateServer(t)
	srv.assets["/bundle.js"] = "bundle"
	srv.setManifest(manifestDoc(t, uuid.NewString(), time.Now(), srv.URL+"/bundle.js"))

	res, err := newRemoteLoader(env, srv, manifest.Config{}).Load(context.Background(), func(*types.Manifest) bool { return false })
	require.NoError(t, err)
	assert.NotNil(t, res.Manifest)
	assert.Nil(t, res.Update)
	assert.Zero(t, srv.hitsFor("/bundle.js"))

	all, err := env.store.GetAllUpdates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify([]byte, string) error {
	return errors.New("forged")
}

func TestRemoteLoader_SignatureFailure(t *testing.T) {
	env := newTestEnv(t)
	srv := newUpdateServer(t)
	srv.assets["/bundle.js"] = "bundle"

	inner := manifestDoc(t, uuid.NewString(), time.Now(), srv.URL+"/bundle.js")
	envelope, err := json.Marshal(map[string]string{"manifestString": string(inner), "signature": "sig"})
	require.NoError(t, err)
	srv.setManifest(envelope)

	asked := false
	l := newRemoteLoader(env, srv, manifest.Config{Verifier: rejectingVerifier{}})
	_, err = l.Load(context.Background(), func(*types.Manifest) bool {
		asked = true
		return true
	})
	require.ErrorIs(t, err, manifest.ErrSignature)
	assert.False(t, asked)
	assert.Zero(t, srv.hitsFor("/bundle.js"))
}

func TestRemoteLoader_MissingAsset(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	srv := newUpdateServer(t)
	srv.assets["/bundle.js"] = "bundle"

	id := uuid.NewString()
	srv.setManifest(manifestDoc(t, id, time.Now(), srv.URL+"/bundle.js",
		testAsset{URL: srv.URL + "/gone.png", Type: "png"}))

	res, err := newRemoteLoader(env, srv, manifest.Config{}).Load(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, downloader.ErrNotFound)
	assert.False(t, res.Ready())
	assert.Equal(t, 1, srv.hitsFor("/gone.png"), "not found is not retried")

	stored, err := env.store.GetUpdate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)
}

// sweepingStore empties the content store whenever the lock is taken, like a reaper running
// between the downloads and the commit of an update
type sweepingStore struct {
	store.Store
	t       *testing.T
	content *contentstore.Store
}

func (s *sweepingStore) AcquireGlobalLock(ctx context.Context) func() {
	entries, err := os.ReadDir(s.content.Dir())
	require.NoError(s.t, err)
	for _, e := range entries {
		require.NoError(s.t, s.content.Remove(e.Name()))
	}
	return s.Store.AcquireGlobalLock(ctx)
}

func TestRemoteLoader_FileRemovedBeforeCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	srv := newUpdateServer(t)
	srv.assets["/bundle.js"] = "bundle"

	id := uuid.NewString()
	srv.setManifest(manifestDoc(t, id, time.Now(), srv.URL+"/bundle.js"))

	d := downloader.New(downloader.NewHTTPFetcher(srv.Client(), downloader.Headers{Platform: "linux"}), time.Millisecond)
	sweeping := &sweepingStore{Store: env.store, t: t, content: env.content}
	l := NewRemoteLoader(srv.URL+"/manifest", d, manifest.NewDecoder(manifest.Config{}), sweeping, env.content, 2)

	res, err := l.Load(ctx, nil)
	require.ErrorIs(t, err, ErrFileRemoved)
	assert.False(t, res.Ready())
	require.Len(t, res.Failed, 1)
	assert.Equal(t, srv.URL+"/bundle.js", res.Failed[0].URL)

	stored, err := env.store.GetUpdate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status, "an update is never ready with a missing file")

	assets, err := env.store.GetAssetsForUpdate(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, assets)
}
