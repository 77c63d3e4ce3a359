// Package metering accounts the traffic carried over a leased bearer and
// estimates its cost for metered carrier profiles.
package metering

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var bytesPerMiB = decimal.NewFromInt(1024 * 1024)

// Usage is a point-in-time snapshot of metered traffic.
type Usage struct {
	RxBytes uint64
	TxBytes uint64
	Cost    decimal.Decimal
}

// TotalBytes returns the combined byte count of the snapshot.
func (u Usage) TotalBytes() uint64 {
	return u.RxBytes + u.TxBytes
}

// Meter accumulates byte counts. Safe for concurrent use; the derived client
// feeds it from connection reads and writes.
type Meter struct {
	mu         sync.Mutex
	rx         uint64
	tx         uint64
	costPerMiB decimal.Decimal
}

// NewMeter creates a meter. costPerMiB is a decimal string such as "0.25";
// empty means the bearer is not billed and cost stays zero.
func NewMeter(costPerMiB string) (*Meter, error) {
	meter := &Meter{}
	if costPerMiB != "" {
		cost, err := decimal.NewFromString(costPerMiB)
		if err != nil {
			return nil, fmt.Errorf("parse cost per MiB %q: %w", costPerMiB, err)
		}
		if cost.IsNegative() {
			return nil, fmt.Errorf("cost per MiB %q must not be negative", costPerMiB)
		}
		meter.costPerMiB = cost
	}
	return meter, nil
}

// AddRx records received bytes.
func (m *Meter) AddRx(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.rx += uint64(n)
	m.mu.Unlock()
}

// AddTx records transmitted bytes.
func (m *Meter) AddTx(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.tx += uint64(n)
	m.mu.Unlock()
}

// Snapshot returns current counters and the estimated cost.
func (m *Meter) Snapshot() Usage {
	if m == nil {
		return Usage{}
	}
	m.mu.Lock()
	rx, tx := m.rx, m.tx
	cost := m.costPerMiB
	m.mu.Unlock()

	usage := Usage{RxBytes: rx, TxBytes: tx, Cost: decimal.Zero}
	if !cost.IsZero() {
		total := decimal.NewFromInt(int64(rx + tx))
		usage.Cost = total.Div(bytesPerMiB).Mul(cost)
	}
	return usage
}

// Reset clears the counters, e.g. after a bearer is released.
func (m *Meter) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rx = 0
	m.tx = 0
	m.mu.Unlock()
}
