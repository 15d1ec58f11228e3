package collector

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_sessions_total",
		Help: "Resolved sessions by mode and resolution.",
	}, []string{"mode", "resolution"})
	sessionDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scale_session_duration_seconds",
		Help:    "Time from session start to resolution.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"mode"})
	readingsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scale_readings_total",
		Help: "Valid weight readings decoded from advertisements or notifications.",
	})
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		sessionsCounter,
		sessionDurationHistogram,
		readingsCounter,
	)
}
