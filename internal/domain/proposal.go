package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProposalKind distinguishes placement from cancellation requests.
type ProposalKind string

const (
	ProposalPlace  ProposalKind = "place"
	ProposalCancel ProposalKind = "cancel"
)

// LegPolicy controls how a multi-leg proposal group is executed.
type LegPolicy string

const (
	// LegPolicyAllOrNone aborts the remaining legs when any leg fails.
	LegPolicyAllOrNone LegPolicy = "all_or_none"
	// LegPolicyBestEffort places every leg regardless of sibling failures.
	LegPolicyBestEffort LegPolicy = "best_effort"
)

// OrderProposal is emitted by a strategy to request an order action. The
// executor pipeline dedups, risk-checks, quantizes, and submits it.
type OrderProposal struct {
	ID          string // UUID for dedup
	Strategy    string
	Exchange    string
	TradingPair TradingPair
	Kind        ProposalKind

	// Placement fields.
	Side      TradeType
	OrderType OrderType
	Price     decimal.Decimal
	Amount    decimal.Decimal

	// Cancellation target.
	ClientOrderID string

	// Multi-leg grouping (cross-venue arbitrage).
	LegGroupID string
	LegCount   int
	LegPolicy  LegPolicy

	Reason    string
	Metadata  map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Notional returns price*amount for placement proposals.
func (p OrderProposal) Notional() decimal.Decimal {
	return p.Price.Mul(p.Amount)
}

// PlaceResult reports the outcome of submitting a proposal to a venue.
type PlaceResult struct {
	Success       bool
	ClientOrderID string
	Message       string
	ShouldRetry   bool
}

// ArbOpportunity is a detected cross-venue price dislocation: the bid on
// the sell venue exceeds the ask on the buy venue by more than the fee load.
type ArbOpportunity struct {
	ID            string
	TradingPair   TradingPair
	BuyExchange   string
	BuyPrice      float64
	SellExchange  string
	SellPrice     float64
	GrossEdgeBps  float64
	EstFeeBps     float64
	NetEdgeBps    float64
	MaxAmount     float64
	DetectedAt    time.Time
	Executed      bool
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode           string
	InstanceID     string
	UptimeSeconds  int64
	Connectors     map[string]bool // name -> ready
	ActiveStrategy string
	OpenOrders     int
	KillSwitchOn   bool
	SessionPnL     decimal.Decimal
}
