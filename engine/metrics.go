package engine

import (
	"errors"
	"math/big"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for a pool.
type Metrics struct {
	operationDuration    *prometheus.HistogramVec
	operationsTotal      *prometheus.CounterVec
	reserve              *prometheus.GaugeVec
	totalClaims          prometheus.Gauge
	compensationFailures prometheus.Counter
	droppedSubscribers   prometheus.Counter
}

// NewMetrics creates and registers the metrics for the named pool.
func NewMetrics(reg prometheus.Registerer, pool string) *Metrics {
	labels := prometheus.Labels{"pool": pool}
	m := &Metrics{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "amm_operation_duration_seconds",
			Help:        "Time taken to run a state-changing pool operation, including custody transfers.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"operation"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "amm_operations_total",
			Help:        "Total number of pool operations, labeled by operation and result.",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		reserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "amm_reserve",
			Help:        "Current pool reserve of each asset, in base units.",
			ConstLabels: labels,
		}, []string{"asset"}),
		totalClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "amm_total_claims",
			Help:        "Total outstanding claim tokens.",
			ConstLabels: labels,
		}),
		compensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "amm_compensation_failures_total",
			Help:        "Transfers that could not be reversed after a later transfer in the same operation failed.",
			ConstLabels: labels,
		}),
		droppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "amm_dropped_subscribers_total",
			Help:        "Event subscribers dropped because their buffer filled up.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.operationDuration, m.operationsTotal, m.reserve, m.totalClaims, m.compensationFailures, m.droppedSubscribers)
	return m
}

func (m *Metrics) observeView(v constantproduct.PoolView) {
	m.reserve.WithLabelValues("x").Set(toFloat(v.ReserveX))
	m.reserve.WithLabelValues("y").Set(toFloat(v.ReserveY))
	m.totalClaims.Set(toFloat(v.TotalClaims))
}

// toFloat is lossy above 2^53 and only meant for gauges.
func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

var resultLabels = []struct {
	err   error
	label string
}{
	{constantproduct.ErrTransferFailed, "transfer_failed"},
	{constantproduct.ErrInvalidAmount, "invalid_amount"},
	{constantproduct.ErrNilAmount, "invalid_amount"},
	{constantproduct.ErrNoLiquidity, "no_liquidity"},
	{constantproduct.ErrInsufficientLiquidity, "insufficient_liquidity"},
	{constantproduct.ErrInsufficientMintedClaims, "insufficient_minted_claims"},
	{constantproduct.ErrInsufficientOutput, "insufficient_output"},
	{constantproduct.ErrInsufficientBalance, "insufficient_balance"},
	{constantproduct.ErrOverflow, "overflow"},
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, rl := range resultLabels {
		if errors.Is(err, rl.err) {
			return rl.label
		}
	}
	return "error"
}
