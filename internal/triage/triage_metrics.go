package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	MessagesTotal    *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	TickDuration     prometheus.Histogram
	TickFetched      prometheus.Histogram
	InFlight         prometheus.Gauge
	AuthFailures     prometheus.Counter
	FallbackFailures prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_messages_total",
			Help: "Messages seen by the controller, by outcome.",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_decisions_total",
			Help: "Routing decisions by action.",
		}, []string{"action"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_retries_total",
			Help: "Retried external calls by pipeline step.",
		}, []string{"step"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_step_duration_seconds",
			Help:    "Duration of pipeline steps including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"step", "outcome"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_tick_duration_seconds",
			Help:    "Duration of polling ticks.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms .. ~51s
		}),
		TickFetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_tick_fetched_messages",
			Help:    "Messages returned by the source per tick.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0 .. 50
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_inflight_messages",
			Help: "Messages currently claimed by a pipeline.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_auth_failures_total",
			Help: "Ticks aborted because a collaborator rejected credentials.",
		}),
		FallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_fallback_failures_total",
			Help: "Failed messages whose fallback ticket could not be opened.",
		}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.DecisionsTotal,
		m.RetriesTotal,
		m.StepDuration,
		m.TickDuration,
		m.TickFetched,
		m.InFlight,
		m.AuthFailures,
		m.FallbackFailures,
	)

	return m
}

// Hooks are optional callbacks the controller fires as it works. Nil fields
// are skipped.
type Hooks struct {
	OnMessage         func(outcome string)
	OnDecision        func(action ActionKind)
	OnRetry           func(step string)
	OnStep            func(step string, seconds float64, failed bool)
	OnTick            func(seconds float64, fetched int)
	OnInFlight        func(delta int)
	OnAuthFailure     func()
	OnFallbackFailure func()
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMessage: func(outcome string) {
			m.MessagesTotal.WithLabelValues(outcome).Inc()
		},
		OnDecision: func(action ActionKind) {
			m.DecisionsTotal.WithLabelValues(string(action)).Inc()
		},
		OnRetry: func(step string) {
			m.RetriesTotal.WithLabelValues(step).Inc()
		},
		OnStep: func(step string, seconds float64, failed bool) {
			outcome := "ok"
			if failed {
				outcome = "error"
			}
			m.StepDuration.WithLabelValues(step, outcome).Observe(seconds)
		},
		OnTick: func(seconds float64, fetched int) {
			m.TickDuration.Observe(seconds)
			m.TickFetched.Observe(float64(fetched))
		},
		OnInFlight: func(delta int) {
			m.InFlight.Add(float64(delta))
		},
		OnAuthFailure: func() {
			m.AuthFailures.Inc()
		},
		OnFallbackFailure: func() {
			m.FallbackFailures.Inc()
		},
	}
}

func (h Hooks) message(outcome string) {
	if h.OnMessage != nil {
		h.OnMessage(outcome)
	}
}

func (h Hooks) decision(a ActionKind) {
	if h.OnDecision != nil {
		h.OnDecision(a)
	}
}

func (h Hooks) retry(step string) {
	if h.OnRetry != nil {
		h.OnRetry(step)
	}
}

func (h Hooks) step(step string, seconds float64, failed bool) {
	if h.OnStep != nil {
		h.OnStep(step, seconds, failed)
	}
}

func (h Hooks) tick(seconds float64, fetched int) {
	if h.OnTick != nil {
		h.OnTick(seconds, fetched)
	}
}

func (h Hooks) inFlight(delta int) {
	if h.OnInFlight != nil {
		h.OnInFlight(delta)
	}
}

func (h Hooks) authFailure() {
	if h.OnAuthFailure != nil {
		h.OnAuthFailure()
	}
}

func (h Hooks) fallbackFailure() {
	if h.OnFallbackFailure != nil {
		h.OnFallbackFailure()
	}
}
