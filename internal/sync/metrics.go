package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: проходы синхронизации по типу и исходу
	SyncPasses *prometheus.CounterVec

	// Latency: длительность прохода
	PassDuration *prometheus.HistogramVec

	// Saturation: глубина очереди мутаций
	PendingMutations prometheus.Gauge

	// Errors: мутации, сброшенные по потолку ретраев — главный сигнал
	// о тихой потере данных, поэтому отдельный счетчик
	DroppedMutations prometheus.Counter

	// Сколько строк влили из pull-дельты
	PulledRows *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SyncPasses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "granja_sync_passes_total",
			Help: "Total number of sync passes.",
		}, []string{"kind", "result"}), // kind: push/pull, result: ok/error/skipped

		PassDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "granja_sync_pass_duration_seconds",
			Help:    "Histogram of sync pass latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),

		PendingMutations: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "granja_sync_pending_mutations",
			Help: "Current depth of the local mutation queue.",
		}),

		DroppedMutations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "granja_sync_dropped_mutations_total",
			Help: "Mutations permanently dropped after exhausting retries.",
		}),

		PulledRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "granja_sync_pulled_rows_total",
			Help: "Rows merged from remote deltas.",
		}, []string{"table"}),
	}
}
