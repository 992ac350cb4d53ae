package risk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInsufficientCapital is returned when a commitment would overdraw the ledger.
var ErrInsufficientCapital = errors.New("insufficient capital")

// Ledger 是资金承诺台账。硬不变量：任意时刻所有未平仓承诺之和
// 不得超过总可用资金。读-改-写在互斥锁内完成，并发批准下不变量仍成立。
type Ledger struct {
	mu        sync.Mutex
	total     decimal.Decimal
	committed decimal.Decimal
	open      map[string]decimal.Decimal // signal id -> committed amount
}

// NewLedger returns a ledger with the given total capital.
func NewLedger(total decimal.Decimal) *Ledger {
	return &Ledger{
		total: total,
		open:  make(map[string]decimal.Decimal),
	}
}

// Commit reserves amount for the signal. The check and the reservation are
// one atomic step; overdraft is impossible by construction.
func (l *Ledger) Commit(signalID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive amount", ErrInsufficientCapital)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.open[signalID]; ok {
		return fmt.Errorf("commitment already open for signal %s", signalID)
	}
	next := l.committed.Add(amount)
	if next.GreaterThan(l.total) {
		return fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientCapital, amount, l.total.Sub(l.committed))
	}
	l.committed = next
	l.open[signalID] = amount
	return nil
}

// Release returns the signal's commitment to the pool. Releasing an unknown
// signal is a no-op: terminal outcomes may race with cancellations.
func (l *Ledger) Release(signalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.open[signalID]
	if !ok {
		return
	}
	l.committed = l.committed.Sub(amount)
	delete(l.open, signalID)
}

// Available returns the capital not currently committed.
func (l *Ledger) Available() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total.Sub(l.committed)
}

// Committed returns the sum of open commitments.
func (l *Ledger) Committed() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Total returns the ledger capacity.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
