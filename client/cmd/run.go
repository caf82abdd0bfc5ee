package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/otaclient/client/internal/updatemanager"
)

var daemon bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "resolve the update to launch and print its launch asset path",
	Long: `Resolve the update to launch, print the path of its launch asset and run the update
check on launch. With --daemon the client keeps running and reports update checks until it is
stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initCommand(cmd); err != nil {
			return err
		}

		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		SetupCloseHandler(ctx, cancel)

		var metrics *updatemanager.Metrics
		if config.MetricsAddress != "" {
			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics = updatemanager.NewMetrics(registry)
			stopMetrics := serveMetrics(config.MetricsAddress, registry)
			defer stopMetrics()
		}

		m, err := startManager(ctx, config, metrics)
		if err != nil {
			return err
		}
		defer m.Stop()

		path, err := m.LaunchAssetPath(ctx)
		if err := printLaunch(cmd, m, path, err); err != nil {
			return err
		}

		if !daemon {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case e := <-m.Events():
				logEvent(cmd, e)
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and report background update checks")
}

func logEvent(cmd *cobra.Command, e updatemanager.Event) {
	switch e.Type {
	case updatemanager.EventUpdateAvailable:
		cmd.Printf("update %s is ready and will be launched on the next start\n", e.Update.ID)
	case updatemanager.EventNoUpdateAvailable:
		cmd.Println("no newer update available")
	case updatemanager.EventError:
		log.Errorf("update check failed: %v", e.Err)
	}
}

func serveMetrics(address string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("serving metrics on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warnf("failed to stop metrics server: %v", err)
		}
	}
}
