package convsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	draftsCreated     prometheus.Counter
	draftsReconciled  prometheus.Counter
	draftsRolledBack  prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	remoteWrites      *prometheus.CounterVec
	openSubscriptions prometheus.Gauge
	pageLoads         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		draftsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync", Name: "drafts_created_total",
			Help: "Optimistic drafts appended.",
		}),
		draftsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync", Name: "drafts_reconciled_total",
			Help: "Drafts superseded by their server copy.",
		}),
		draftsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync", Name: "drafts_rolled_back_total",
			Help: "Drafts removed after a failed send.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync", Name: "cache_lookups_total",
			Help: "Local cache reads by result (hit, miss, stale, corrupt).",
		}, []string{"result"}),
		remoteWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync", Name: "remote_writes_total",
			Help: "Conversation document writes by signal and outcome.",
		}, []string{"signal", "outcome"}),
		openSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync", Name: "open_subscriptions",
			Help: "Conversations with live listeners attached.",
		}),
		pageLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync", Name: "page_loads_total",
			Help: "Backward pagination queries by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.draftsCreated, m.draftsReconciled, m.draftsRolledBack,
			m.cacheLookups, m.remoteWrites, m.openSubscriptions, m.pageLoads,
		)
	}
	return m
}

func (m *Metrics) draftCreated() {
	if m != nil {
		m.draftsCreated.Inc()
	}
}

func (m *Metrics) draftReconciled(n int) {
	if m != nil && n > 0 {
		m.draftsReconciled.Add(float64(n))
	}
}

func (m *Metrics) draftRolledBack() {
	if m != nil {
		m.draftsRolledBack.Inc()
	}
}

func (m *Metrics) cacheLookup(result string) {
	if m != nil {
		m.cacheLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) remoteWrite(signal string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.remoteWrites.WithLabelValues(signal, outcome).Inc()
}

func (m *Metrics) subscriptionOpened() {
	if m != nil {
		m.openSubscriptions.Inc()
	}
}

func (m *Metrics) subscriptionClosed() {
	if m != nil {
		m.openSubscriptions.Dec()
	}
}

func (m *Metrics) pageLoad(outcome string) {
	if m != nil {
		m.pageLoads.WithLabelValues(outcome).Inc()
	}
}
