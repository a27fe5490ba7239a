package nbdc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	requestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdc_requests_sent",
		Help: "The total number of requests sent to the server",
	}, []string{"device", "op"})

	requestBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdc_request_bytes",
		Help: "The total number of payload bytes requested",
	}, []string{"device", "op"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdc_request_errors",
		Help: "The total number of requests completed with an error",
	}, []string{"device", "op"})

	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nbdc_request_time",
		Help:    "Time from sending a request to its completion",
		Buckets: prometheus.DefBuckets,
	})

	requestTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nbdc_request_timeouts",
		Help: "The total number of requests that timed out",
	}, []string{"device"})

	unmatchedReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nbdc_unmatched_replies",
		Help: "Replies that did not match an outstanding request",
	})

	liveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nbdc_live_connections",
		Help: "Connections whose receive loop is running",
	}, []string{"device"})

	deviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nbdc_device_state",
		Help: "Current lifecycle state of the device",
	}, []string{"device"})
)

func metricValue(m prometheus.Metric) float64 {
	var out dto.Metric

	if err := m.Write(&out); err != nil {
		return 0
	}

	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	default:
		return 0
	}
}
