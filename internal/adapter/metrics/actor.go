package metrics

import "github.com/prometheus/client_golang/prometheus"

// ActorMetrics holds Prometheus metrics for the per-key actors and their sessions.
type ActorMetrics struct {
	ActiveActors         prometheus.Gauge
	LiveSessions         prometheus.Gauge
	SessionsOpened       prometheus.Counter
	SessionsClosed       *prometheus.CounterVec
	Deliveries           *prometheus.CounterVec
	SessionsPruned       prometheus.Counter
	SessionsReaped       prometheus.Counter
	BroadcastDuration    prometheus.Histogram
	MailboxDepth         prometheus.Histogram
	ActivationRejections *prometheus.CounterVec
	Panics               prometheus.Counter
	StopTimeouts         prometheus.Counter
}

// NewActorMetrics creates and registers actor metrics on the given registry.
func NewActorMetrics(reg prometheus.Registerer) *ActorMetrics {
	m := &ActorMetrics{
		ActiveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "active",
			Help:      "Number of activated per-key actors.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "live_sessions",
			Help:      "Number of registered sessions across all actors.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions that reached the open state.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions torn down, by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "deliveries_total",
			Help:      "Total number of per-session broadcast sends, by outcome.",
		}, []string{"outcome"}),
		SessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "sessions_pruned_total",
			Help:      "Total number of sessions removed after a failed broadcast send.",
		}),
		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "sessions_reaped_total",
			Help:      "Total number of sessions closed by the idle sweep.",
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent delivering one broadcast to the live set of an actor.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),
		MailboxDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "mailbox_depth",
			Help:      "Queued commands per actor, sampled on every sweep.",
			Buckets:   []float64{0, 1, 4, 16, 64, 128, 256, 1024},
		}),
		ActivationRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "activation_rejections_total",
			Help:      "Total number of refused actor activations, by reason.",
		}, []string{"reason"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "panics_total",
			Help:      "Total number of recovered actor loop panics.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "stop_timeouts_total",
			Help:      "Total number of actors that did not stop within the shutdown deadline.",
		}),
	}

	reg.MustRegister(
		m.ActiveActors,
		m.LiveSessions,
		m.SessionsOpened,
		m.SessionsClosed,
		m.Deliveries,
		m.SessionsPruned,
		m.SessionsReaped,
		m.BroadcastDuration,
		m.MailboxDepth,
		m.ActivationRejections,
		m.Panics,
		m.StopTimeouts,
	)
	return m
}
