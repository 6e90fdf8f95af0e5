package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of times the backend reached Running.",
		},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of restarts by trigger (auto or manual).",
		}, []string{"trigger"},
	)
	backendCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits and hung-process detections.",
		},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the first successful liveness probe.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	restartAttempt = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "restart_attempt",
			Help:      "Current consecutive automatic restart attempt count.",
		},
	)

	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events emitted by kind and severity.",
		}, []string{"kind", "severity"},
	)
	criticalPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "events",
			Name:      "critical_pending",
			Help:      "Unacknowledged critical events held in the durable store.",
		},
	)
	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "events",
			Name:      "persist_failures_total",
			Help:      "Critical events that could not be written to durable storage.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Currently connected event subscribers.",
		},
	)
	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers closed because their queue overflowed.",
		},
	)

	heartbeatMisses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "heartbeat",
			Name:      "consecutive_misses",
			Help:      "Consecutive heartbeat probe failures seen by the consumer.",
		},
	)
	heartbeatPolling = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "heartbeat",
			Name:      "polling",
			Help:      "1 while the consumer is in polling fallback mode.",
		},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "heartbeat",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStarts, backendRestarts, backendCrashes, startDuration, stateTransitions, currentState, restartAttempt,
		eventsEmitted, criticalPending, persistFailures, subscribers, subscribersDropped,
		heartbeatMisses, heartbeatPolling, reconnects,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		backendStarts.Inc()
	}
}

func IncRestart(trigger string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(trigger).Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		backendCrashes.Inc()
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		startDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetCurrentState marks state as active and every other listed state as inactive.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func SetRestartAttempt(n int) {
	if regOK.Load() {
		restartAttempt.Set(float64(n))
	}
}

func IncEvent(kind, severity string) {
	if regOK.Load() {
		eventsEmitted.WithLabelValues(kind, severity).Inc()
	}
}

func SetCriticalPending(n int) {
	if regOK.Load() {
		criticalPending.Set(float64(n))
	}
}

func IncPersistFailure() {
	if regOK.Load() {
		persistFailures.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}

func IncSubscriberDropped() {
	if regOK.Load() {
		subscribersDropped.Inc()
	}
}

func SetHeartbeatMisses(n int) {
	if regOK.Load() {
		heartbeatMisses.Set(float64(n))
	}
}

func SetPolling(polling bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if polling {
		v = 1
	}
	heartbeatPolling.Set(v)
}

func IncReconnect(result string) {
	if regOK.Load() {
		reconnects.WithLabelValues(result).Inc()
	}
}
