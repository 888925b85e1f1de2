package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weirdion/weirdion/internal/profile"
)

// Metrics holds the server's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	saves       *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	tagsParsed  prometheus.Counter
	wsClients   prometheus.Gauge
}

// NewMetrics registers the weirdion collectors plus the Go runtime and
// process collectors on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "weirdion_profile_saves_total",
			Help: "User profile document saves by result (ok, invalid, error).",
		}, []string{"result"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "weirdion_profile_resolutions_total",
			Help: "Profile resolutions by source (default, checkpoint, explicit).",
		}, []string{"source"}),
		tagsParsed: f.NewCounter(prometheus.CounterOpts{
			Name: "weirdion_lora_tags_parsed_total",
			Help: "LoRA tags parsed from prompts.",
		}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "weirdion_event_clients",
			Help: "Connected profile event websocket clients.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) saved(result string) {
	if m != nil {
		m.saves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) resolved(source profile.Source) {
	if m != nil {
		m.resolutions.WithLabelValues(string(source)).Inc()
	}
}

func (m *Metrics) parsedTags(n int) {
	if m != nil {
		m.tagsParsed.Add(float64(n))
	}
}

func (m *Metrics) clientConnected(delta float64) {
	if m != nil {
		m.wsClients.Add(delta)
	}
}
