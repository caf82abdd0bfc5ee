package internal

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/downloader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/sign"
	"github.com/netbirdio/otaclient/version"
)

// NewUpdateManager builds the update manager described by config. Metrics may be nil.
func NewUpdateManager(ctx context.Context, config *Config, metrics *updatemanager.Metrics, network updatemanager.NetworkMonitor) (*updatemanager.Manager, error) {
	binaryVersion := config.RuntimeVersion
	if binaryVersion == "" {
		binaryVersion = version.Version()
	}

	headers := downloader.Headers{
		Platform:          config.Platform,
		ClientEnvironment: config.ClientEnvironment,
		ReleaseChannel:    config.ReleaseChannel,
		BinaryVersion:     binaryVersion,
	}

	client := &http.Client{Transport: metrics.RoundTripper(http.DefaultTransport)}
	d := downloader.New(downloader.NewHTTPFetcher(client, headers), downloader.DefaultRetryDelay)

	s3Fetcher, err := downloader.NewS3Fetcher(ctx, downloader.S3Config{
		Region:         config.S3.Region,
		Endpoint:       config.S3.Endpoint,
		ForcePathStyle: config.S3.ForcePathStyle,
	})
	if err != nil {
		log.Warnf("s3 urls are not supported: %v", err)
	} else {
		d.Register("s3", s3Fetcher)
	}

	manifestCfg := manifest.Config{
		Platform:         config.Platform,
		AssetBaseURL:     config.AssetBaseURL,
		RequireSignature: config.RequireSignature,
	}
	if config.PublicKeyFile != "" {
		verifier, err := sign.NewVerifierFromFile(config.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load manifest public keys: %w", err)
		}
		manifestCfg.Verifier = verifier
	}

	var embedded fs.FS
	if config.EmbeddedDir != "" {
		embedded = os.DirFS(config.EmbeddedDir)
	}

	return updatemanager.NewManager(updatemanager.Config{
		ManifestURL:            config.ManifestURL,
		DataDir:                config.DataDir,
		Embedded:               embedded,
		CheckOnLaunch:          updatemanager.ParseCheckOnLaunch(config.CheckOnLaunch),
		LaunchWait:             config.LaunchWait(),
		BinaryVersion:          binaryVersion,
		Manifest:               manifestCfg,
		Downloader:             d,
		Headers:                headers,
		Network:                network,
		MaxConcurrentDownloads: config.MaxConcurrentDownloads,
		CheckCacheTTL:          config.CheckCacheTTL,
		Metrics:                metrics,
	})
}
