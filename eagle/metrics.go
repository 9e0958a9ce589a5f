package eagle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the work of a camera.  A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	FramesCaptured prometheus.Counter
	FramesSaved    prometheus.Counter
	Errors         *prometheus.CounterVec
	State          prometheus.Gauge
	SaveDuration   prometheus.Histogram
	CCDTemperature prometheus.Gauge
}

// NewMetrics makes a set of camera metrics in their own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eaglecam_frames_captured_total",
			Help: "frames read out of the grabber",
		}),
		FramesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eaglecam_frames_saved_total",
			Help: "frames written to the output file",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eaglecam_errors_total",
			Help: "errors that ended or hampered an acquisition, by kind",
		}, []string{"kind"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eaglecam_acquisition_state",
			Help: "acquisition state, 0 is idle",
		}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eaglecam_frame_save_seconds",
			Help:    "time to write one frame",
			Buckets: prometheus.DefBuckets,
		}),
		CCDTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eaglecam_ccd_temperature_celsius",
			Help: "last sampled CCD temperature",
		}),
	}
	m.reg.MustRegister(m.FramesCaptured, m.FramesSaved, m.Errors, m.State, m.SaveDuration, m.CCDTemperature)
	return m
}

// Registry returns the registry holding the metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// WriteTextfile writes the metrics in the node exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

func (m *Metrics) captured() {
	if m != nil {
		m.FramesCaptured.Inc()
	}
}

func (m *Metrics) saved(d time.Duration) {
	if m != nil {
		m.FramesSaved.Inc()
		m.SaveDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) failed(err error) {
	if m != nil && err != nil {
		m.Errors.WithLabelValues(KindOf(err).String()).Inc()
	}
}

func (m *Metrics) state(s State) {
	if m != nil {
		m.State.Set(float64(s))
	}
}

func (m *Metrics) temperature(c float64) {
	if m != nil {
		m.CCDTemperature.Set(c)
	}
}
