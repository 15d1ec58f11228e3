package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-scale-monitor/collector/model"
)

var (
	descWeight = prometheus.NewDesc(
		"scale_weight_kilograms",
		"Latest weight broadcast by the scale in kilograms.",
		[]string{"name", "method"},
		nil,
	)

	descSignal = prometheus.NewDesc(
		"scale_signal_strength_dbm",
		"Signal strength of the advertisement carrying the latest weight.",
		[]string{"name"},
		nil,
	)
)

// CollectFunc returns the latest result and the time it was collected. ok is false while no
// reading is available, in which case nothing is exported.
type CollectFunc func() (res model.Result, ts time.Time, ok bool)

type collector struct {
	CollectFunc
}

// Describe does not go through Collect: collecting may wait for a reading.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descWeight
	ch <- descSignal
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	res, ts, ok := c.CollectFunc()

	if !ok || !res.Ok() {
		return
	}

	name := res.Source.DisplayName()

	weight := prometheus.MustNewConstMetric(
		descWeight,
		prometheus.GaugeValue,
		res.Reading.ValueKg,
		name,
		res.Reading.Method.String(),
	)

	ch <- prometheus.NewMetricWithTimestamp(ts, weight)

	if res.Source.HasRSSI {
		signal := prometheus.MustNewConstMetric(
			descSignal,
			prometheus.GaugeValue,
			float64(res.Source.RSSI),
			name,
		)

		ch <- prometheus.NewMetricWithTimestamp(ts, signal)
	}
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
	c := &collector{f}

	reg.MustRegister(c)
}
