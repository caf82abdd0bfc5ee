package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/launcher"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/sign"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

func TestInitCommands(t *testing.T) {
	helpFlag := "-h"
	commandArgs := [][]string{{"root", helpFlag}}
	for _, command := range rootCmd.Commands() {
		commandArgs = append(commandArgs, []string{command.Name(), command.Name(), helpFlag})
		for _, subcommand := range command.Commands() {
			commandArgs = append(commandArgs, []string{command.Name() + " " + subcommand.Name(), command.Name(), subcommand.Name(), helpFlag})
		}
	}

	for _, args := range commandArgs {
		t.Run(fmt.Sprintf("Testing Command %s", args[0]), func(t *testing.T) {
			defer func() {
				err := recover()
				if err != nil {
					t.Fatalf("got an panic error while running the command: %s -h. Error: %s", args[0], err)
				}
			}()

			rootCmd.SetArgs(args[1:])
			rootCmd.SetOut(io.Discard)
			if err := rootCmd.Execute(); err != nil {
				t.Errorf("expected no error while running %s command, got %v", args[0], err)
				return
			}
		})
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestKeygenAndSign(t *testing.T) {
	dir := t.TempDir()
	execute(t, "keygen", "--out-dir", dir, "--expiration", "1h")

	manifestFile := filepath.Join(dir, "manifest.json")
	manifest := []byte(`{"id":"` + uuid.NewString() + `","commitTime":1700000000000,"bundleUrl":"https://cdn.example.com/app.bundle"}`)
	require.NoError(t, os.WriteFile(manifestFile, manifest, 0o600))

	signedFile := filepath.Join(dir, "signed.json")
	execute(t, "sign", manifestFile, "--private-key-file", filepath.Join(dir, privateKeyFileName), "-o", signedFile)

	raw, err := os.ReadFile(signedFile)
	require.NoError(t, err)
	var envelope map[string]string
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, string(manifest), envelope["manifestString"])

	verifier, err := sign.NewVerifierFromFile(filepath.Join(dir, publicKeyFileName))
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify([]byte(envelope["manifestString"]), envelope["signature"]))
}

func TestRun_EmbeddedBundle(t *testing.T) {
	dir := t.TempDir()
	embedded := filepath.Join(dir, "embedded")
	require.NoError(t, os.MkdirAll(embedded, 0o700))

	id := uuid.NewString()
	manifest := `{"id":"` + id + `","commitTime":1700000000000,"binaryVersions":"1.0.0","bundleUrl":"https://cdn.example.com/app.bundle"}`
	require.NoError(t, os.WriteFile(filepath.Join(embedded, "app.manifest"), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(embedded, types.EmbeddedLaunchAssetFilename), []byte("embedded bundle"), 0o600))

	out := execute(t, "run",
		"--config", filepath.Join(dir, "config.json"),
		"--manifest-url", "https://updates.example.com/manifest",
		"--data-dir", filepath.Join(dir, "data"),
		"--embedded-dir", embedded,
		"--runtime-version", "1.0.0",
		"--check-on-launch", "NEVER",
		"--log-file", "console",
	)

	path := strings.TrimSpace(out)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "embedded bundle", string(data))

	out = execute(t, "status", "--config", filepath.Join(dir, "config.json"))
	assert.Contains(t, out, "* "+id)
	assert.Contains(t, out, "EMBEDDED")
}

func TestFormatStatus(t *testing.T) {
	launched := &types.Update{ID: "a", CommitTime: time.Unix(0, 0), Status: types.StatusReady, Keep: true, BinaryVersions: "1.0.0"}
	other := &types.Update{ID: "b", CommitTime: time.Unix(60, 0), Status: types.StatusPending, BinaryVersions: "1.0.0"}

	out := formatStatus(launcher.StateReady, launched, []*types.Update{launched, other})
	assert.Contains(t, out, "Launch: READY, update a")
	assert.Contains(t, out, "Stored updates: 2")
	assert.Contains(t, out, "* a  1970-01-01T00:00:00Z  READY     keep=true")
	assert.Contains(t, out, "  b  1970-01-01T00:01:00Z  PENDING   keep=false")

	out = formatStatus(launcher.StateFailed, nil, nil)
	assert.Contains(t, out, "Launch: FAILED, embedded bundle")
}
