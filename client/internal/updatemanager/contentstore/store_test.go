package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

func TestPathFor(t *testing.T) {
	a := &types.Asset{URL: "https://cdn.example.com/assets/abc", Type: "png"}
	b := &types.Asset{URL: "https://cdn.example.com/assets/abc", Type: "png", ID: 42}

	p := PathFor(a)
	sum := sha256.Sum256([]byte(a.URL))
	assert.Len(t, p, len(sum)*2+len(".png"))
	assert.Equal(t, p, PathFor(a), "must be stable")
	assert.Equal(t, p, PathFor(b), "only url and type are relevant")

	other := &types.Asset{URL: "https://cdn.example.com/assets/abd", Type: "png"}
	assert.NotEqual(t, p, PathFor(other))
}

func TestNew(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "updates")
	s, err := New(dir)
	require.NoError(t, err)
	assert.DirExists(t, s.Dir())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	_, err = New(file)
	assert.ErrorIs(t, err, ErrStorageInit)

	_, err = New("")
	assert.ErrorIs(t, err, ErrStorageInit)
}

func TestWriteAtomically(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("console.log('hello')")
	rel := PathFor(&types.Asset{URL: "https://cdn.example.com/bundle", Type: "bundle"})

	digest, err := s.WriteAtomically(context.Background(), bytes.NewReader(content), rel)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, want[:], digest)
	assert.True(t, s.Exists(rel))

	hashed, err := s.HashFile(rel)
	require.NoError(t, err)
	assert.Equal(t, digest, hashed)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files must remain")
}

type brokenReader struct {
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestWriteAtomically_InterruptedLeavesNoFile(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	rel := "asset.png"
	_, err = s.WriteAtomically(context.Background(), &brokenReader{}, rel)
	require.Error(t, err)

	assert.False(t, s.Exists(rel))
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// a later write succeeds from scratch
	_, err = s.WriteAtomically(context.Background(), io.LimitReader(bytes.NewReader([]byte("full")), 4), rel)
	require.NoError(t, err)
	assert.True(t, s.Exists(rel))
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.WriteAtomically(context.Background(), bytes.NewReader([]byte("x")), "a.txt")
	require.NoError(t, err)

	require.NoError(t, s.Remove("a.txt"))
	assert.False(t, s.Exists("a.txt"))
	assert.NoError(t, s.Remove("a.txt"), "removing a missing file is not an error")
	assert.False(t, s.Exists(""))
}
