package driver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/aerobus/internal/counters"
)

// Metrics exposes driver statistics to Prometheus. System counters are
// mirrored on scrape-friendly gauges refreshed from the counters file by the
// admin loop.
type Metrics struct {
	BytesSent      prometheus.Gauge
	BytesReceived  prometheus.Gauge
	Errors         prometheus.Gauge
	ClientTimeouts prometheus.Gauge
	ImageTimeouts  prometheus.Gauge
	BackPressure   prometheus.Gauge
	CounterValues  *prometheus.GaugeVec
	CountersInUse  prometheus.Gauge
}

// NewMetrics creates and registers all driver metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_bytes_sent_total",
			Help: "Total bytes sent across all publications",
		}),
		BytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_bytes_received_total",
			Help: "Total bytes received across all images",
		}),
		Errors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_errors_total",
			Help: "Total driver error observations",
		}),
		ClientTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_client_timeouts_total",
			Help: "Total clients reaped for missing keepalives",
		}),
		ImageTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_image_timeouts_total",
			Help: "Total images removed on liveness timeout",
		}),
		BackPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_back_pressure_events_total",
			Help: "Total back pressure events reported by publications",
		}),
		CounterValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aerobus_counter_value",
			Help: "Current value of each allocated driver counter",
		}, []string{"id", "type", "label"}),
		CountersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerobus_counters_in_use",
			Help: "Number of allocated counters",
		}),
	}
	reg.MustRegister(
		m.BytesSent,
		m.BytesReceived,
		m.Errors,
		m.ClientTimeouts,
		m.ImageTimeouts,
		m.BackPressure,
		m.CounterValues,
		m.CountersInUse,
	)
	return m
}

// Update refreshes the gauges from a counters reader snapshot.
func (m *Metrics) Update(reader *counters.Reader) {
	m.BytesSent.Set(float64(reader.Value(counters.SystemCounterBytesSent)))
	m.BytesReceived.Set(float64(reader.Value(counters.SystemCounterBytesReceived)))
	m.Errors.Set(float64(reader.Value(counters.SystemCounterErrors)))
	m.ClientTimeouts.Set(float64(reader.Value(counters.SystemCounterClientTimeouts)))
	m.ImageTimeouts.Set(float64(reader.Value(counters.SystemCounterImageTimeouts)))
	m.BackPressure.Set(float64(reader.Value(counters.SystemCounterBackPressureEvents)))

	m.CounterValues.Reset()
	inUse := 0
	reader.Scan(func(info counters.CounterInfo) {
		inUse++
		m.CounterValues.WithLabelValues(
			strconv.Itoa(int(info.ID)), strconv.Itoa(int(info.TypeID)), info.Label).Set(float64(info.Value))
	})
	m.CountersInUse.Set(float64(inUse))
}
