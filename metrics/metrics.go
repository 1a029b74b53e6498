// Package metrics holds the process counters exposed on the metrics
// endpoint. The registry is injected into every subsystem instead of
// living in package globals so tests get deterministic counts.
package metrics

import (
	"sync/atomic"
)

type Metrics struct {
	Total      uint64
	Approved   uint64
	Declined   uint64
	ServerBusy uint64

	RiskDeclined uint64

	TwoPCCommitted uint64
	TwoPCAborted   uint64

	ClearingCBShortCircuit uint64

	ReversalEnqueued  uint64
	ReversalSucceeded uint64
	ReversalFailed    uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncTotal()        { atomic.AddUint64(&m.Total, 1) }
func (m *Metrics) IncApproved()     { atomic.AddUint64(&m.Approved, 1) }
func (m *Metrics) IncDeclined()     { atomic.AddUint64(&m.Declined, 1) }
func (m *Metrics) IncServerBusy()   { atomic.AddUint64(&m.ServerBusy, 1) }
func (m *Metrics) IncRiskDeclined() { atomic.AddUint64(&m.RiskDeclined, 1) }

func (m *Metrics) IncTwoPCCommitted() { atomic.AddUint64(&m.TwoPCCommitted, 1) }
func (m *Metrics) IncTwoPCAborted()   { atomic.AddUint64(&m.TwoPCAborted, 1) }

func (m *Metrics) IncCBShortCircuit() { atomic.AddUint64(&m.ClearingCBShortCircuit, 1) }

func (m *Metrics) IncReversalEnqueued()  { atomic.AddUint64(&m.ReversalEnqueued, 1) }
func (m *Metrics) IncReversalSucceeded() { atomic.AddUint64(&m.ReversalSucceeded, 1) }
func (m *Metrics) IncReversalFailed()    { atomic.AddUint64(&m.ReversalFailed, 1) }

// Snapshot reads every counter without locking; the values are each
// monotonic but the set is not a consistent cut.
type Snapshot struct {
	Total                  uint64 `json:"total"`
	Approved               uint64 `json:"approved"`
	Declined               uint64 `json:"declined"`
	ServerBusy             uint64 `json:"server_busy"`
	RiskDeclined           uint64 `json:"risk_declined"`
	TwoPCCommitted         uint64 `json:"twopc_committed"`
	TwoPCAborted           uint64 `json:"twopc_aborted"`
	ClearingCBShortCircuit uint64 `json:"clearing_cb_short_circuit"`
	ReversalEnqueued       uint64 `json:"reversal_enqueued"`
	ReversalSucceeded      uint64 `json:"reversal_succeeded"`
	ReversalFailed         uint64 `json:"reversal_failed"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Total:                  atomic.LoadUint64(&m.Total),
		Approved:               atomic.LoadUint64(&m.Approved),
		Declined:               atomic.LoadUint64(&m.Declined),
		ServerBusy:             atomic.LoadUint64(&m.ServerBusy),
		RiskDeclined:           atomic.LoadUint64(&m.RiskDeclined),
		TwoPCCommitted:         atomic.LoadUint64(&m.TwoPCCommitted),
		TwoPCAborted:           atomic.LoadUint64(&m.TwoPCAborted),
		ClearingCBShortCircuit: atomic.LoadUint64(&m.ClearingCBShortCircuit),
		ReversalEnqueued:       atomic.LoadUint64(&m.ReversalEnqueued),
		ReversalSucceeded:      atomic.LoadUint64(&m.ReversalSucceeded),
		ReversalFailed:         atomic.LoadUint64(&m.ReversalFailed),
	}
}
