package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"shmq/internal/faults"
)

// Config configures the collectors.
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Buckets     []float64
	Registry    *prometheus.Registry
}

// Option mutates Config.
type Option func(*Config)

// WithNamespace sets the metric namespace (default "shmq").
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		if strings.TrimSpace(namespace) != "" {
			c.Namespace = namespace
		}
	}
}

// WithSubsystem sets the metric subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels adds constant labels to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry registers collectors on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) {
		if reg != nil {
			c.Registry = reg
		}
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "shmq",
		Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}
}

// Handshake results.
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
	HandshakeRefused  = "refused"
)

// Metrics holds the queue collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	handshakes      *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	channelsOpen    prometheus.Gauge
	channelsClosed  prometheus.Counter
	segments        prometheus.Gauge
	segmentBytes    prometheus.Gauge
	sinkBytes       prometheus.Counter
	drains          prometheus.Counter
}

// New builds and registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		registry: cfg.Registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Requests handled on private channels by kind and result",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind", "result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Time from decode to response for each request",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"kind"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshakes_total",
			Help:        "HELLO datagrams seen on the rendezvous endpoint by outcome",
			ConstLabels: cfg.ConstLabels,
		}, []string{"result"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dropped_datagrams_total",
			Help:        "Datagrams discarded without a response",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		channelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "channels_open",
			Help:        "Live private channels",
			ConstLabels: cfg.ConstLabels,
		}),
		channelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "channels_closed_total",
			Help:        "Private channels closed for any reason",
			ConstLabels: cfg.ConstLabels,
		}),
		segments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "segments_live",
			Help:        "Shared-memory segments currently registered",
			ConstLabels: cfg.ConstLabels,
		}),
		segmentBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "segment_bytes",
			Help:        "Total size of registered shared-memory segments",
			ConstLabels: cfg.ConstLabels,
		}),
		sinkBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "sink_bytes_total",
			Help:        "Bytes forwarded to the resource sink",
			ConstLabels: cfg.ConstLabels,
		}),
		drains: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "drain_passes_total",
			Help:        "Calls to CheckForNewMessages",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, faults.Kind(err)).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Handshake records a HELLO outcome.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// Dropped records a datagram discarded without a response.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// ChannelClosed counts one closed channel.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channelsClosed.Inc()
}

// SetChannels sets the live channel gauge.
func (m *Metrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.channelsOpen.Set(float64(n))
}

// SetSegments sets the segment gauges.
func (m *Metrics) SetSegments(n int, bytes uint64) {
	if m == nil {
		return
	}
	m.segments.Set(float64(n))
	m.segmentBytes.Set(float64(bytes))
}

// AddSinkBytes counts bytes handed to the resource sink.
func (m *Metrics) AddSinkBytes(n int) {
	if m == nil {
		return
	}
	m.sinkBytes.Add(float64(n))
}

// Drain counts one drain pass.
func (m *Metrics) Drain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}

// Sample is one flattened metric value.
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Samples gathers every counter and gauge on the registry. Histograms are
// reported by their sample count under "<name>_count".
func (m *Metrics) Samples() ([]Sample, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if len(labels) == 0 {
				labels = nil
			}
			sample := Sample{Name: family.GetName(), Labels: labels}
			switch {
			case metric.GetCounter() != nil:
				sample.Value = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sample.Value = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				sample.Name += "_count"
				sample.Value = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out = append(out, sample)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
