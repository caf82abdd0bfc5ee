package internal

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/otaclient/client/internal/updatemanager"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/loader"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/manifest"
	"github.com/netbirdio/otaclient/util"
)

const (
	// DefaultCheckCacheTTL is how long a CheckForUpdate result is reused
	DefaultCheckCacheTTL = 5 * time.Minute
	// DefaultMetricsAddress is the listen address of the metrics endpoint when it's enabled
	DefaultMetricsAddress = "127.0.0.1:9092"
)

// DefaultDataDir is where updates are stored unless configured otherwise
var DefaultDataDir = filepath.Join(os.TempDir(), "otaclient")

// S3Config selects the bucket endpoint used for s3:// URLs
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// ConfigInput carries configuration changes to the client
type ConfigInput struct {
	ConfigPath             string
	ManifestURL            string
	ReleaseChannel         *string
	ClientEnvironment      *string
	CheckOnLaunch          string
	LaunchWaitMs           *int
	DataDir                string
	EmbeddedDir            *string
	RuntimeVersion         *string
	Platform               string
	AssetBaseURL           string
	PublicKeyFile          *string
	RequireSignature       *bool
	MaxConcurrentDownloads *int
	CheckCacheTTL          *time.Duration
	S3                     *S3Config
	MetricsAddress         *string
}

// Config Configuration type
type Config struct {
	// ManifestURL is the http(s) or s3 URL of the update manifest
	ManifestURL       string
	ReleaseChannel    string
	ClientEnvironment string
	// CheckOnLaunch is one of ALWAYS, NEVER and WIFI_ONLY
	CheckOnLaunch string
	// LaunchWaitMs is the minimum time a launch waits for the check on launch
	LaunchWaitMs int
	DataDir      string
	// EmbeddedDir holds the bundle shipped with the host, app.manifest and its assets
	EmbeddedDir string
	// RuntimeVersion is the host binary version updates are matched against
	RuntimeVersion string
	Platform       string
	AssetBaseURL   string
	// PublicKeyFile holds the PEM encoded keys manifests are verified with
	PublicKeyFile          string
	RequireSignature       bool
	MaxConcurrentDownloads int
	CheckCacheTTL          time.Duration
	S3                     S3Config
	// MetricsAddress enables the prometheus endpoint when set
	MetricsAddress string
}

// ReadConfig read config file and return with Config. If it is not exists create a new with default values
func ReadConfig(configPath string) (*Config, error) {
	if configFileIsExists(configPath) {
		config := &Config{}
		if _, err := util.ReadJson(configPath, config); err != nil {
			return nil, err
		}
		// initialize through apply() without changes
		if changed, err := config.apply(ConfigInput{}); err != nil {
			return nil, err
		} else if changed {
			if err = WriteOutConfig(configPath, config); err != nil {
				return nil, err
			}
		}

		return config, nil
	}

	cfg, err := createNewConfig(ConfigInput{ConfigPath: configPath})
	if err != nil {
		return nil, err
	}

	err = WriteOutConfig(configPath, cfg)
	return cfg, err
}

// UpdateOrCreateConfig reads existing config or generates a new one
func UpdateOrCreateConfig(input ConfigInput) (*Config, error) {
	if !configFileIsExists(input.ConfigPath) {
		log.Infof("generating new config %s", input.ConfigPath)
		cfg, err := createNewConfig(input)
		if err != nil {
			return nil, err
		}
		err = WriteOutConfig(input.ConfigPath, cfg)
		return cfg, err
	}

	return update(input)
}

// CreateInMemoryConfig generate a new config but do not write out it to the store
func CreateInMemoryConfig(input ConfigInput) (*Config, error) {
	return createNewConfig(input)
}

// WriteOutConfig write put the prepared config to the given path
func WriteOutConfig(path string, config *Config) error {
	return util.WriteJson(context.Background(), path, config)
}

func createNewConfig(input ConfigInput) (*Config, error) {
	config := &Config{}

	if _, err := config.apply(input); err != nil {
		return nil, err
	}

	return config, nil
}

func update(input ConfigInput) (*Config, error) {
	config := &Config{}

	if _, err := util.ReadJson(input.ConfigPath, config); err != nil {
		return nil, err
	}

	updated, err := config.apply(input)
	if err != nil {
		return nil, err
	}

	if updated {
		if err := util.WriteJson(context.Background(), input.ConfigPath, config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (config *Config) apply(input ConfigInput) (updated bool, err error) {
	if input.ManifestURL != "" && input.ManifestURL != config.ManifestURL {
		if err := validateURL("manifest", input.ManifestURL, "http", "https", "s3"); err != nil {
			return false, err
		}
		log.Infof("new manifest URL provided, updated to %#v (old value %#v)", input.ManifestURL, config.ManifestURL)
		config.ManifestURL = input.ManifestURL
		updated = true
	}

	if input.ReleaseChannel != nil && *input.ReleaseChannel != config.ReleaseChannel {
		log.Infof("switching release channel to %q", *input.ReleaseChannel)
		config.ReleaseChannel = *input.ReleaseChannel
		updated = true
	}

	if input.ClientEnvironment != nil && *input.ClientEnvironment != config.ClientEnvironment {
		config.ClientEnvironment = *input.ClientEnvironment
		updated = true
	}

	if input.CheckOnLaunch != "" && input.CheckOnLaunch != config.CheckOnLaunch {
		checkOnLaunch := updatemanager.ParseCheckOnLaunch(input.CheckOnLaunch)
		if string(checkOnLaunch) != input.CheckOnLaunch {
			return false, fmt.Errorf("invalid check on launch value %q, supported values are %s, %s and %s",
				input.CheckOnLaunch, updatemanager.CheckAlways, updatemanager.CheckNever, updatemanager.CheckWifiOnly)
		}
		log.Infof("check on launch set to %s", checkOnLaunch)
		config.CheckOnLaunch = string(checkOnLaunch)
		updated = true
	} else if config.CheckOnLaunch == "" {
		config.CheckOnLaunch = string(updatemanager.CheckAlways)
		updated = true
	}

	if input.LaunchWaitMs != nil && *input.LaunchWaitMs != config.LaunchWaitMs {
		if *input.LaunchWaitMs < 0 {
			return false, fmt.Errorf("launch wait can't be negative: %d", *input.LaunchWaitMs)
		}
		log.Infof("launch wait set to %d ms", *input.LaunchWaitMs)
		config.LaunchWaitMs = *input.LaunchWaitMs
		updated = true
	}

	if input.DataDir != "" && input.DataDir != config.DataDir {
		log.Infof("new data directory provided, updated to %s (old value %s)", input.DataDir, config.DataDir)
		config.DataDir = input.DataDir
		updated = true
	} else if config.DataDir == "" {
		log.Infof("using default data directory %s", DefaultDataDir)
		config.DataDir = DefaultDataDir
		updated = true
	}

	if input.EmbeddedDir != nil && *input.EmbeddedDir != config.EmbeddedDir {
		config.EmbeddedDir = *input.EmbeddedDir
		updated = true
	}

	if input.RuntimeVersion != nil && *input.RuntimeVersion != config.RuntimeVersion {
		log.Infof("runtime version set to %q", *input.RuntimeVersion)
		config.RuntimeVersion = *input.RuntimeVersion
		updated = true
	}

	if input.Platform != "" && input.Platform != config.Platform {
		config.Platform = input.Platform
		updated = true
	} else if config.Platform == "" {
		config.Platform = runtime.GOOS
		updated = true
	}

	if input.AssetBaseURL != "" && input.AssetBaseURL != config.AssetBaseURL {
		if err := validateURL("asset base", input.AssetBaseURL, "http", "https", "s3"); err != nil {
			return false, err
		}
		config.AssetBaseURL = input.AssetBaseURL
		updated = true
	} else if config.AssetBaseURL == "" {
		config.AssetBaseURL = manifest.DefaultAssetBaseURL
		updated = true
	}

	if input.PublicKeyFile != nil && *input.PublicKeyFile != config.PublicKeyFile {
		log.Infof("manifests will be verified with the keys in %q", *input.PublicKeyFile)
		config.PublicKeyFile = *input.PublicKeyFile
		updated = true
	}

	if input.RequireSignature != nil && *input.RequireSignature != config.RequireSignature {
		if *input.RequireSignature {
			log.Infof("requiring signed manifests")
		} else {
			log.Infof("accepting unsigned manifests")
		}
		config.RequireSignature = *input.RequireSignature
		updated = true
	}

	if input.MaxConcurrentDownloads != nil && *input.MaxConcurrentDownloads != config.MaxConcurrentDownloads {
		config.MaxConcurrentDownloads = *input.MaxConcurrentDownloads
		updated = true
	}
	if config.MaxConcurrentDownloads <= 0 {
		config.MaxConcurrentDownloads = loader.DefaultConcurrentDownloads
		updated = true
	}

	if input.CheckCacheTTL != nil && *input.CheckCacheTTL != config.CheckCacheTTL {
		config.CheckCacheTTL = *input.CheckCacheTTL
		updated = true
	} else if config.CheckCacheTTL == 0 {
		config.CheckCacheTTL = DefaultCheckCacheTTL
		updated = true
	}

	if input.S3 != nil && *input.S3 != config.S3 {
		log.Infof("using S3 region %q endpoint %q", input.S3.Region, input.S3.Endpoint)
		config.S3 = *input.S3
		updated = true
	}

	if input.MetricsAddress != nil && *input.MetricsAddress != config.MetricsAddress {
		config.MetricsAddress = *input.MetricsAddress
		updated = true
	}

	if config.RequireSignature && config.PublicKeyFile == "" {
		return false, fmt.Errorf("signed manifests are required but no public key file is configured")
	}

	return updated, nil
}

// LaunchWait returns LaunchWaitMs as a duration
func (config *Config) LaunchWait() time.Duration {
	return time.Duration(config.LaunchWaitMs) * time.Millisecond
}

// validateURL parses and validates a service URL
func validateURL(name, rawURL string, schemes ...string) error {
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil {
		log.Errorf("failed parsing %s URL %s: [%s]", name, rawURL, err.Error())
		return err
	}

	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("invalid %s URL provided %s. Supported schemes %v", name, rawURL, schemes)
}

func configFileIsExists(path string) bool {
	return util.FileExists(path)
}
