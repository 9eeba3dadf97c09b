package metrics

import (
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kis_gateway"

// GatewayMetrics is safe to use as a nil pointer; every method is a no-op then.
type GatewayMetrics struct {
	frames            *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	callbackFailures  *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	reconnectAlerts   prometheus.Counter
	connectionState   prometheus.Gauge
	credentialRefresh *prometheus.CounterVec
	subscriptions     prometheus.Gauge
	cacheEntries      prometheus.Gauge
	latestLookups     *prometheus.CounterVec
	sinkDropped       *prometheus.CounterVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by type and decode result.",
		}, []string{"type", "result"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dispatched_total",
			Help:      "Decoded records fanned out to subscribers.",
		}, []string{"kind"}),
		callbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_failures_total",
			Help:      "Subscriber callbacks that returned an error or panicked.",
		}, []string{"kind", "reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Streaming connection attempts by result.",
		}, []string{"result"}),
		reconnectAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_alerts_total",
			Help:      "Times the consecutive reconnect failure threshold was reached.",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 open, 3 closing.",
		}),
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Approval key refreshes by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Subscription keys currently registered.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Keys held by the quote cache.",
		}),
		latestLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latest_lookups_total",
			Help:      "GetLatest calls by the source that answered.",
		}, []string{"source"}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Records dropped because a sink queue was full.",
		}, []string{"sink"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.frames,
			m.dispatched,
			m.callbackFailures,
			m.reconnects,
			m.reconnectAlerts,
			m.connectionState,
			m.credentialRefresh,
			m.subscriptions,
			m.cacheEntries,
			m.latestLookups,
			m.sinkDropped,
		)
	}

	return m
}

func (m *GatewayMetrics) ObserveFrame(frameType, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType, result).Inc()
}

func (m *GatewayMetrics) ObserveDispatch(kind entity.StreamKind) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(string(kind)).Inc()
}

func (m *GatewayMetrics) ObserveCallbackFailure(kind entity.StreamKind, reason string) {
	if m == nil {
		return
	}
	m.callbackFailures.WithLabelValues(string(kind), reason).Inc()
}

func (m *GatewayMetrics) ObserveReconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *GatewayMetrics) ObserveReconnectAlert() {
	if m == nil {
		return
	}
	m.reconnectAlerts.Inc()
}

func (m *GatewayMetrics) SetConnectionState(state entity.ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *GatewayMetrics) ObserveCredentialRefresh(result string) {
	if m == nil {
		return
	}
	m.credentialRefresh.WithLabelValues(result).Inc()
}

func (m *GatewayMetrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *GatewayMetrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *GatewayMetrics) ObserveLatestLookup(source entity.Source) {
	if m == nil {
		return
	}
	m.latestLookups.WithLabelValues(source.String()).Inc()
}

func (m *GatewayMetrics) ObserveSinkDropped(sink string) {
	if m == nil {
		return
	}
	m.sinkDropped.WithLabelValues(sink).Inc()
}
