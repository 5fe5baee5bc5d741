// Package metrics exposes the node's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceDKLS    = "dkls"
	subsystemSession = "session"
	subsystemNetwork = "network"
	subsystemAPI     = "api"
)

var (
	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemSession,
		Name:      "completed_total",
		Help:      "protocol runs by protocol and outcome",
	}, []string{"protocol", "result"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemSession,
		Name:      "duration_seconds",
		Help:      "wall-clock time of a protocol run",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"protocol"})

	roundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemSession,
		Name:      "round_duration_seconds",
		Help:      "time spent waiting for all peers of a round",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"protocol", "round"})

	aborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemSession,
		Name:      "aborts_total",
		Help:      "protocol aborts by protocol and attribution",
	}, []string{"protocol", "attributed"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemSession,
		Name:      "active",
		Help:      "protocol runs currently in progress on this node",
	})

	wireMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemNetwork,
		Name:      "messages_total",
		Help:      "wire messages by direction and type",
	}, []string{"direction", "type"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceDKLS,
		Subsystem: subsystemAPI,
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
)

// SessionStarted marks the beginning of a protocol run. The returned
// function records its outcome.
func SessionStarted(protocol string) func(result string) {
	start := time.Now()
	activeSessions.Inc()
	return func(result string) {
		activeSessions.Dec()
		sessions.WithLabelValues(protocol, result).Inc()
		sessionDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	}
}

// RoundGathered records how long a round took to collect.
func RoundGathered(protocol, round string, d time.Duration) {
	roundDuration.WithLabelValues(protocol, round).Observe(d.Seconds())
}

// Aborted counts a protocol abort.
func Aborted(protocol string, attributed bool) {
	label := "false"
	if attributed {
		label = "true"
	}
	aborts.WithLabelValues(protocol, label).Inc()
}

// WireMessage counts a message sent ("out") or received ("in") by the relay.
func WireMessage(direction, kind string) {
	wireMessages.WithLabelValues(direction, kind).Inc()
}

// HTTPRequest counts an API request.
func HTTPRequest(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}
