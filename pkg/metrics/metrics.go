package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Deposits counts accepted deposits by asset.
var Deposits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veildesk_deposits_total",
		Help: "Total number of accepted deposits",
	},
	[]string{"asset"},
)

// Withdrawals counts withdraw requests by asset. Whether funds moved is
// confidential and intentionally not a label.
var Withdrawals = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veildesk_withdrawals_total",
		Help: "Total number of withdraw requests",
	},
	[]string{"asset"},
)

// OrdersCreated counts created orders by side.
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "veildesk_orders_created_total",
		Help: "Total number of orders admitted to the registry",
	},
	[]string{"side"},
)

// OrdersCancelled counts cancelled orders.
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "veildesk_orders_cancelled_total",
		Help: "Total number of cancelled orders",
	},
)

// MatchesRecorded counts recorded matches. A recorded match may still be
// invalid under its encrypted flag.
var MatchesRecorded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "veildesk_matches_recorded_total",
		Help: "Total number of match records written",
	},
)

// SettlementsExecuted counts settlement attempts that reached the ledger.
var SettlementsExecuted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "veildesk_settlements_executed_total",
		Help: "Total number of settlements executed",
	},
)

// CipherOpDuration records latency of homomorphic primitive evaluation.
var CipherOpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "veildesk_cipher_op_duration_seconds",
		Help:    "Latency of homomorphic operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(Deposits, Withdrawals, OrdersCreated, OrdersCancelled)
	prometheus.MustRegister(MatchesRecorded, SettlementsExecuted, CipherOpDuration)
}
