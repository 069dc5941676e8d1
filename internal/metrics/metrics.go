package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	LedgerOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_ledger_operations_total",
		Help: "Ledger operations by type and result",
	}, []string{"op", "result"})
	LedgerPoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_ledger_points_total",
		Help: "Points moved through the ledger by transaction type",
	}, []string{"type"})
	LedgerConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "townin_ledger_conflicts_total",
		Help: "Optimistic lock or distributed lock conflicts that triggered a retry",
	})
	LedgerDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "townin_ledger_drift_accounts",
		Help: "Accounts whose cached balance differs from the replayed history in the last audit",
	})
	TargetingPurchases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_targeting_purchases_total",
		Help: "Targeting purchases by result",
	}, []string{"result"})
	CellsSold = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "townin_targeting_cells_sold_total",
		Help: "Grid cells sold as flyer target areas",
	})
	FlyerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_flyer_transitions_total",
		Help: "Flyer lifecycle transitions by event and result",
	}, []string{"event", "result"})
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_job_runs_total",
		Help: "Background job runs by job and result",
	}, []string{"job", "result"})
	OutboxDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "townin_outbox_delivered_total",
		Help: "Outbox messages handed to Kafka by result",
	}, []string{"result"})
	HTTPDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "townin_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(LedgerOperations)
	prometheus.MustRegister(LedgerPoints)
	prometheus.MustRegister(LedgerConflicts)
	prometheus.MustRegister(LedgerDrift)
	prometheus.MustRegister(TargetingPurchases)
	prometheus.MustRegister(CellsSold)
	prometheus.MustRegister(FlyerTransitions)
	prometheus.MustRegister(JobRuns)
	prometheus.MustRegister(OutboxDelivered)
	prometheus.MustRegister(HTTPDurationMs)
}

// Result 按 err 是否为空返回结果标签
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler 暴露 /metrics
func Handler() http.Handler { return promhttp.Handler() }
