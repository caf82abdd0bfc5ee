package updatemanager

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/launcher"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/reaper"
)

// Metrics collects the update manager counters. A nil *Metrics records nothing.
type Metrics struct {
	launchesTotal     *prometheus.CounterVec
	checksTotal       *prometheus.CounterVec
	launchDuration    prometheus.Histogram
	reapedAssets      prometheus.Counter
	reapedUpdates     prometheus.Counter
	reapFailures      prometheus.Counter
	downloadsDuration *prometheus.HistogramVec
}

// NewMetrics registers the update manager metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		launchesTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otaclient_launches_total",
				Help: "Total number of launch resolutions labelled by outcome",
			},
			[]string{"result"},
		),
		checksTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otaclient_update_checks_total",
				Help: "Total number of remote update checks labelled by outcome",
			},
			[]string{"result"},
		),
		launchDuration: promFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otaclient_launch_duration_seconds",
			Help:    "Time from start until the launch was resolved",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reapedAssets: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "otaclient_reaped_assets_total",
			Help: "Total number of asset files removed by the reaper",
		}),
		reapedUpdates: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "otaclient_reaped_updates_total",
			Help: "Total number of updates removed by the reaper",
		}),
		reapFailures: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "otaclient_reap_failures_total",
			Help: "Total number of asset files the reaper failed to remove",
		}),
		downloadsDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otaclient_download_duration_seconds",
				Help:    "Duration of update server round trips",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status", "host"},
		),
	}
}

func (m *Metrics) launchResolved(result launcher.Result, took time.Duration) {
	if m == nil {
		return
	}
	label := "unavailable"
	if _, ok := result.(*launcher.Resolved); ok {
		label = "resolved"
	}
	m.launchesTotal.WithLabelValues(label).Inc()
	m.launchDuration.Observe(took.Seconds())
}

func (m *Metrics) checkFinished(event EventType) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(event.String()).Inc()
}

func (m *Metrics) reaped(stats reaper.Stats) {
	if m == nil {
		return
	}
	m.reapedAssets.Add(float64(stats.Deleted))
	m.reapedUpdates.Add(float64(stats.UpdatesDeleted))
	m.reapFailures.Add(float64(stats.Failed))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// RoundTripper wraps next and observes the duration of every round trip
func (m *Metrics) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		res, err := next.RoundTrip(req)

		status := "0"
		if res != nil {
			status = strconv.Itoa(res.StatusCode)
		}
		m.downloadsDuration.WithLabelValues(status, req.URL.Host).Observe(time.Since(start).Seconds())
		return res, err
	})
}
