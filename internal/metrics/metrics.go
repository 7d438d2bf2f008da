package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sodar_sync"

// Collectors holds the instruments updated by sync runs and the payload endpoint.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	syncRuns       *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	syncProjects   *prometheus.CounterVec
	payloadsServed *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with registerer.
func NewCollectors(registerer prometheus.Registerer) (*Collectors, error) {
	collectors := &Collectors{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Remote sync runs by final status.",
		}, []string{"status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of remote sync runs including the payload fetch.",
			Buckets:   prometheus.DefBuckets,
		}),
		syncProjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_total",
			Help:      "Projects processed by successful sync runs, by outcome.",
		}, []string{"status"}),
		payloadsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_served_total",
			Help:      "Payload requests answered by the source endpoint, by result.",
		}, []string{"result"}),
	}

	for _, collector := range []prometheus.Collector{
		collectors.syncRuns,
		collectors.syncDuration,
		collectors.syncProjects,
		collectors.payloadsServed,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return collectors, nil
}

// ObserveSync records one sync run. projectCounts maps outcome names to counts.
func (c *Collectors) ObserveSync(status string, duration time.Duration, projectCounts map[string]int) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(status).Inc()
	c.syncDuration.Observe(duration.Seconds())
	for outcome, count := range projectCounts {
		c.syncProjects.WithLabelValues(outcome).Add(float64(count))
	}
}

// ObservePayload records one request to the payload endpoint.
func (c *Collectors) ObservePayload(result string) {
	if c == nil {
		return
	}
	c.payloadsServed.WithLabelValues(result).Inc()
}
