// Package metrics collects and exposes Prometheus metrics for the identity page
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Assertion results
const (
	AssertionAbsent   = "absent"
	AssertionVerified = "verified"
	AssertionRejected = "rejected"
)

// Directory lookup results
const (
	LookupSuccess  = "success"
	LookupNoPhoto  = "no_photo"
	LookupFailure  = "failure"
	LookupDisabled = "disabled"
)

// Recorder is what request handling reports to
type Recorder interface {
	RecordAssertion(result string)
	RecordDirectoryLookup(result string)
	ObserveRequest(duration time.Duration)
}

// Collector is the Prometheus implementation of Recorder
type Collector struct {
	assertions      *prometheus.CounterVec
	lookups         *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		assertions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iapprofile_assertions_total",
			Help: "IAP assertions seen, by verification result",
		}, []string{"result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iapprofile_directory_lookups_total",
			Help: "People API photo lookups, by result",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iapprofile_request_duration_seconds",
			Help:    "Time to render the identity page",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.assertions,
		c.lookups,
		c.requestDuration,
	)

	return c
}

func (c *Collector) RecordAssertion(result string) {
	c.assertions.WithLabelValues(result).Inc()
}

func (c *Collector) RecordDirectoryLookup(result string) {
	c.lookups.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveRequest(duration time.Duration) {
	c.requestDuration.Observe(duration.Seconds())
}

// Handler returns the scrape handler for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordAssertion(string)       {}
func (Nop) RecordDirectoryLookup(string) {}
func (Nop) ObserveRequest(time.Duration) {}
