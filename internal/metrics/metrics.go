// Package metrics exposes the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "irrigation"

// Metrics groups the collectors shared by the service components.
type Metrics struct {
	registry *prometheus.Registry

	Registrations     *prometheus.CounterVec
	MirrorRepairs     prometheus.Counter
	Heartbeats        prometheus.Counter
	OnlineDevices     prometheus.Gauge
	LivenessChanges   *prometheus.CounterVec
	Readings          prometheus.Counter
	HistorySamples    prometheus.Counter
	WateringEvents    *prometheus.CounterVec
	ModeTransitions   *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	IngestionErrors   *prometheus.CounterVec
	PushNotifications *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total",
			Help: "Device claim attempts by result.",
		}, []string{"result"}),
		MirrorRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_mirror_repairs_total",
			Help: "Live-tree registry mirrors rewritten by the reconciler.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_total",
			Help: "Heartbeats accepted from devices.",
		}),
		OnlineDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_devices",
			Help: "Devices currently inside the liveness window.",
		}),
		LivenessChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "liveness_transitions_total",
			Help: "Online/offline transitions detected by the tracker.",
		}, []string{"state"}),
		Readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_total",
			Help: "Live readings published.",
		}),
		HistorySamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "history_samples_total",
			Help: "Readings appended to history.",
		}),
		WateringEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "watering_events_total",
			Help: "Pump transitions recorded, by trigger.",
		}, []string{"trigger"}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mode_transitions_total",
			Help: "Pump mode changes, by target mode.",
		}, []string{"mode"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Control writes by type and result.",
		}, []string{"type", "result"}),
		IngestionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingestion_errors_total",
			Help: "Rejected device messages, by reason.",
		}, []string{"reason"}),
		PushNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_notifications_total",
			Help: "Web push deliveries by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Registrations, m.MirrorRepairs, m.Heartbeats, m.OnlineDevices,
		m.LivenessChanges, m.Readings, m.HistorySamples, m.WateringEvents,
		m.ModeTransitions, m.Commands, m.IngestionErrors, m.PushNotifications,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registration(result string) {
	if m != nil {
		m.Registrations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) MirrorRepaired() {
	if m != nil {
		m.MirrorRepairs.Inc()
	}
}

func (m *Metrics) Heartbeat() {
	if m != nil {
		m.Heartbeats.Inc()
	}
}

func (m *Metrics) Liveness(online bool, onlineCount int) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.LivenessChanges.WithLabelValues(state).Inc()
	m.OnlineDevices.Set(float64(onlineCount))
}

func (m *Metrics) Reading(sampled bool) {
	if m == nil {
		return
	}
	m.Readings.Inc()
	if sampled {
		m.HistorySamples.Inc()
	}
}

func (m *Metrics) WateringEvent(trigger string) {
	if m != nil {
		m.WateringEvents.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) ModeTransition(mode string) {
	if m != nil {
		m.ModeTransitions.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) Command(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IngestionError(reason string) {
	if m != nil {
		m.IngestionErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PushNotification(result string) {
	if m != nil {
		m.PushNotifications.WithLabelValues(result).Inc()
	}
}
