package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/otaclient/client/internal"
	"github.com/netbirdio/otaclient/client/internal/updatemanager"
	"github.com/netbirdio/otaclient/util"
)

const (
	manifestURLFlag      = "manifest-url"
	dataDirFlag          = "data-dir"
	releaseChannelFlag   = "release-channel"
	checkOnLaunchFlag    = "check-on-launch"
	launchWaitFlag       = "launch-wait-ms"
	embeddedDirFlag      = "embedded-dir"
	runtimeVersionFlag   = "runtime-version"
	platformFlag         = "platform"
	publicKeyFileFlag    = "public-key-file"
	requireSignatureFlag = "require-signature"
	metricsAddressFlag   = "metrics-address"
)

var (
	configPath        string
	defaultConfigPath string
	logLevel          string
	logFile           string
	manifestURL       string
	dataDir           string
	releaseChannel    string
	checkOnLaunch     string
	launchWaitMs      int
	embeddedDir       string
	runtimeVersion    string
	platform          string
	publicKeyFile     string
	requireSignature  bool
	metricsAddress    string
	rootCmd           = &cobra.Command{
		Use:          "otaclient",
		Short:        "over-the-air update client",
		Long:         "otaclient keeps the bundle of a host application up to date and tells it which one to launch.",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultConfigDir := "/etc/otaclient/"
	if runtime.GOOS == "windows" {
		defaultConfigDir = os.Getenv("PROGRAMDATA") + "\\Otaclient\\"
	}
	defaultConfigPath = defaultConfigDir + "config.json"

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "otaclient config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets otaclient log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets otaclient log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVarP(&manifestURL, manifestURLFlag, "u", "", "update manifest URL [http|https|s3]://[host]/[path]")
	rootCmd.PersistentFlags().StringVarP(&dataDir, dataDirFlag, "d", "", fmt.Sprintf("directory holding the downloaded updates (default %q)", internal.DefaultDataDir))
	rootCmd.PersistentFlags().StringVar(&releaseChannel, releaseChannelFlag, "", "release channel requested from the update server")
	rootCmd.PersistentFlags().StringVar(&checkOnLaunch, checkOnLaunchFlag, "", "when to check for updates on launch [ALWAYS|NEVER|WIFI_ONLY] (default \"ALWAYS\")")
	rootCmd.PersistentFlags().IntVar(&launchWaitMs, launchWaitFlag, 0, "minimum time in milliseconds the launch waits for the update check")
	rootCmd.PersistentFlags().StringVar(&embeddedDir, embeddedDirFlag, "", "directory of the bundle shipped with the host")
	rootCmd.PersistentFlags().StringVar(&runtimeVersion, runtimeVersionFlag, "", "host binary version updates have to support")
	rootCmd.PersistentFlags().StringVar(&platform, platformFlag, "", "platform reported to the update server (default runtime OS)")
	rootCmd.PersistentFlags().StringVar(&publicKeyFile, publicKeyFileFlag, "", "PEM file with the keys manifests are verified with")
	rootCmd.PersistentFlags().BoolVar(&requireSignature, requireSignatureFlag, false, "reject manifests that are not signed")
	rootCmd.PersistentFlags().StringVar(&metricsAddress, metricsAddressFlag, "", fmt.Sprintf("serve prometheus metrics on this address, e.g. %s", internal.DefaultMetricsAddress))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		done := ctx.Done()
		select {
		case <-done:
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}

// initCommand applies environment overrides and configures logging
func initCommand(cmd *cobra.Command) error {
	util.SetFlagsFromEnvVars(cmd)
	cmd.SetOut(cmd.OutOrStdout())

	if err := util.InitLog(logLevel, logFile); err != nil {
		return fmt.Errorf("failed initializing log %v", err)
	}
	return nil
}

// configInput collects the flags that were set explicitly
func configInput(cmd *cobra.Command) internal.ConfigInput {
	input := internal.ConfigInput{
		ConfigPath:    configPath,
		ManifestURL:   manifestURL,
		DataDir:       dataDir,
		CheckOnLaunch: checkOnLaunch,
		Platform:      platform,
	}

	if cmd.Flag(releaseChannelFlag).Changed {
		input.ReleaseChannel = &releaseChannel
	}
	if cmd.Flag(launchWaitFlag).Changed {
		input.LaunchWaitMs = &launchWaitMs
	}
	if cmd.Flag(embeddedDirFlag).Changed {
		dir, err := filepath.Abs(embeddedDir)
		if err != nil {
			log.Warnf("using relative embedded dir %s: %v", embeddedDir, err)
			dir = embeddedDir
		}
		input.EmbeddedDir = &dir
	}
	if cmd.Flag(runtimeVersionFlag).Changed {
		input.RuntimeVersion = &runtimeVersion
	}
	if cmd.Flag(publicKeyFileFlag).Changed {
		input.PublicKeyFile = &publicKeyFile
	}
	if cmd.Flag(requireSignatureFlag).Changed {
		input.RequireSignature = &requireSignature
	}
	if cmd.Flag(metricsAddressFlag).Changed {
		input.MetricsAddress = &metricsAddress
	}
	return input
}

func loadConfig(cmd *cobra.Command) (*internal.Config, error) {
	config, err := internal.UpdateOrCreateConfig(configInput(cmd))
	if err != nil {
		return nil, fmt.Errorf("get config file: %v", err)
	}
	return config, nil
}

// startManager starts an update manager for config and waits until its launch was resolved
func startManager(ctx context.Context, config *internal.Config, metrics *updatemanager.Metrics) (*updatemanager.Manager, error) {
	m, err := internal.NewUpdateManager(ctx, config, metrics, nil)
	if err != nil {
		return nil, err
	}
	m.Start(ctx)

	if _, err := m.Launch(ctx); err != nil {
		m.Stop()
		return nil, err
	}
	return m, nil
}

// printLaunch prints the launch asset path or the embedded fallback
func printLaunch(cmd *cobra.Command, m *updatemanager.Manager, path string, err error) error {
	if errors.Is(err, updatemanager.ErrEmergencyLaunch) {
		cmd.Printf("no update available, launch the embedded %s\n", m.EmbeddedLaunchAssetName())
		log.Debugf("emergency launch: %v", err)
		return nil
	}
	if err != nil {
		return err
	}

	cmd.Println(path)
	return nil
}
