package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Per-recipient delivery outcomes of the fan-out job.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_deliveries_total",
			Help: "Total per-recipient delivery attempts by outcome",
		},
		[]string{"outcome"}, // outcome: sent, failed
	)

	// Communications finalized by the fan-out job.
	CommunicationsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_communications_processed_total",
			Help: "Total communications finalized by fan-out, by final status",
		},
		[]string{"status"},
	)

	// Receipts touched by the reconciliation sweep.
	ReceiptsReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_receipts_reconciled_total",
			Help: "Total receipts examined by the reconciliation sweep",
		},
		[]string{"result"}, // result: checked, updated, error
	)
)
