package stock

import (
	"sync"

	"github.com/baristack/posgo/internal/models"
)

// Ledger is the in-memory quantity-on-hand view the terminal consults
// while ringing up orders. It is advisory: a sale never blocks on it,
// and quantities clamp at zero instead of going negative. The remote
// inventory remains the authority and each catalog pull overwrites the
// ledger wholesale.
type Ledger struct {
	mu  sync.RWMutex
	qty map[int64]float64
}

func NewLedger() *Ledger {
	return &Ledger{qty: make(map[int64]float64)}
}

// Load replaces the ledger with the quantities from a catalog snapshot.
func (l *Ledger) Load(products []models.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qty = make(map[int64]float64, len(products))
	for _, p := range products {
		l.qty[p.ID] = p.Stock
	}
}

// Get returns the tracked quantity, zero for unknown products.
func (l *Ledger) Get(productID int64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.qty[productID]
}

// Deduct subtracts a sold quantity and returns the new value. The
// result never drops below zero: with offline terminals selling
// concurrently the local count can lag reality, and a negative display
// helps nobody.
func (l *Ledger) Deduct(productID int64, quantity float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.qty[productID] - quantity
	if v < 0 {
		v = 0
	}
	l.qty[productID] = v
	return v
}

// DeductComponents applies a package sale: every component is deducted
// by its per-package quantity times the number of packages sold.
// Returns the new value per component product.
func (l *Ledger) DeductComponents(items []models.PackageItem, multiplier float64) map[int64]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int64]float64, len(items))
	for _, item := range items {
		v := l.qty[item.ProductID] - item.Quantity*multiplier
		if v < 0 {
			v = 0
		}
		l.qty[item.ProductID] = v
		out[item.ProductID] = v
	}
	return out
}

// Snapshot copies the current quantities.
func (l *Ledger) Snapshot() map[int64]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int64]float64, len(l.qty))
	for k, v := range l.qty {
		out[k] = v
	}
	return out
}
