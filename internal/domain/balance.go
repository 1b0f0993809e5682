package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the holding of one asset on one venue. Total includes amounts
// locked in open orders; Available is what new orders may spend.
type Balance struct {
	Exchange  string
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	UpdatedAt time.Time
}

// Locked returns the portion of Total committed to open orders.
func (b Balance) Locked() decimal.Decimal {
	return b.Total.Sub(b.Available)
}
