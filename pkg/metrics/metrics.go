package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersAccepted counts orders admitted to the pending buffer by side.
var OrdersAccepted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openmatch_orders_accepted_total",
		Help: "Total number of orders admitted to the pending buffer",
	},
	[]string{"side"},
)

// OrdersRejected counts orders turned away at ingress by error code.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openmatch_orders_rejected_total",
		Help: "Total number of orders rejected at ingress",
	},
	[]string{"code"},
)

// BatchesSealed counts sealed batches.
var BatchesSealed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "openmatch_batches_sealed_total",
		Help: "Total number of sealed batches",
	},
)

// TradesMatched counts trades emitted by the batch matcher.
var TradesMatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "openmatch_trades_matched_total",
		Help: "Total number of trades produced by matching",
	},
)

// TradesSettled counts successfully settled trades.
var TradesSettled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "openmatch_trades_settled_total",
		Help: "Total number of trades settled",
	},
)

// SettlementFailures counts settlement rejections by error code.
var SettlementFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openmatch_settlement_failures_total",
		Help: "Total number of failed settlement attempts",
	},
	[]string{"code"},
)

// SupplyChecks counts supply conservation verifications by outcome.
var SupplyChecks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "openmatch_supply_checks_total",
		Help: "Total number of supply conservation checks",
	},
	[]string{"result"},
)

// BufferDepth tracks the number of orders in the pending buffer.
var BufferDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openmatch_pending_buffer_depth",
		Help: "Number of orders currently in the pending buffer",
	},
)

// CurrentPhase exposes the epoch phase as a numeric gauge
// (0=COLLECT, 1=SEAL, 2=MATCH, 3=FINALIZE).
var CurrentPhase = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openmatch_epoch_phase",
		Help: "Current epoch phase",
	},
)

func init() {
	prometheus.MustRegister(OrdersAccepted, OrdersRejected, BatchesSealed)
	prometheus.MustRegister(TradesMatched, TradesSettled, SettlementFailures)
	prometheus.MustRegister(SupplyChecks, BufferDepth, CurrentPhase)
}
