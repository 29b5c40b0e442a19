package binarydata

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opStore     = "store"
	opRetrieve  = "retrieve"
	opDelete    = "delete"
	opMark      = "mark_for_deletion"
	opDuplicate = "duplicate"

	resultOK      = "ok"
	resultError   = "error"
	resultSkipped = "skipped"
)

type metrics struct {
	operations   *prometheus.CounterVec
	payloadBytes *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "binarydata_operations_total",
			Help: "The total number of binary data backend operations.",
		}, []string{"operation", "mode", "result"}),
		payloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "binarydata_payload_bytes",
			Help:    "Size of binary payloads stored or retrieved.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"operation"}),
	}
}

func (m *metrics) observe(op, mode string, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.operations.WithLabelValues(op, mode, result).Inc()
}

func (m *metrics) skipped(op, mode string) {
	m.operations.WithLabelValues(op, mode, resultSkipped).Inc()
}

func (m *metrics) payload(op string, n int) {
	m.payloadBytes.WithLabelValues(op).Observe(float64(n))
}
