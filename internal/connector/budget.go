package connector

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// BalanceSource exposes the balances the budget checker needs.
type BalanceSource interface {
	Balance(asset string) (domain.Balance, bool)
}

// RuleSource exposes the trading rules the budget checker needs.
type RuleSource interface {
	TradingRule(pair domain.TradingPair) (domain.TradingRule, bool)
}

// BudgetChecker validates order proposals against available balances and
// venue trading rules before they reach the wire. Prices and amounts come
// back quantized; amounts may be shrunk to fit the available budget.
type BudgetChecker struct {
	balances  BalanceSource
	rules     RuleSource
	feeBuffer decimal.Decimal // fraction of notional held back for fees
}

// NewBudgetChecker creates a checker. feeBuffer is the fee headroom as a
// fraction (0.001 = 10 bps); buys reserve notional*(1+feeBuffer).
func NewBudgetChecker(balances BalanceSource, rules RuleSource, feeBuffer decimal.Decimal) *BudgetChecker {
	return &BudgetChecker{balances: balances, rules: rules, feeBuffer: feeBuffer}
}

// AdjustProposal quantizes a placement proposal and fits it to the
// available balance. With allOrNone set an unaffordable proposal errors
// instead of shrinking. Returns ErrBelowMinimums when the surviving amount
// no longer meets the venue's minimums.
func (b *BudgetChecker) AdjustProposal(p domain.OrderProposal, allOrNone bool) (domain.OrderProposal, error) {
	rule, ok := b.rules.TradingRule(p.TradingPair)
	if !ok {
		return p, fmt.Errorf("budget: no trading rule for %s: %w", p.TradingPair, domain.ErrNotFound)
	}

	p.Price = rule.QuantizePrice(p.Price)
	p.Amount = rule.QuantizeAmount(p.Amount)
	if p.Price.IsZero() && p.OrderType != domain.OrderTypeMarket {
		return p, fmt.Errorf("budget: zero price after quantization: %w", domain.ErrInvalidOrder)
	}

	available := b.availableFor(p)
	required := b.requiredFor(p)
	if available.LessThan(required) {
		if allOrNone {
			return p, fmt.Errorf("budget: %s %s needs %s, have %s: %w",
				p.Side, p.TradingPair, required, available, domain.ErrInsufficientBalance)
		}
		p.Amount = rule.QuantizeAmount(b.affordableAmount(p, available))
	}

	if !rule.MeetsMinimums(p.Price, p.Amount) {
		return p, fmt.Errorf("budget: %s %s amount %s: %w",
			p.Side, p.TradingPair, p.Amount, domain.ErrBelowMinimums)
	}
	return p, nil
}

// CheckProposals adjusts a batch, dropping the ones that cannot be funded.
// Survivors keep their original order.
func (b *BudgetChecker) CheckProposals(proposals []domain.OrderProposal) []domain.OrderProposal {
	out := make([]domain.OrderProposal, 0, len(proposals))
	for _, p := range proposals {
		if p.Kind != domain.ProposalPlace {
			out = append(out, p)
			continue
		}
		adjusted, err := b.AdjustProposal(p, false)
		if err != nil {
			continue
		}
		out = append(out, adjusted)
	}
	return out
}

// availableFor returns the spendable balance for the proposal's side:
// quote asset for buys, base asset for sells.
func (b *BudgetChecker) availableFor(p domain.OrderProposal) decimal.Decimal {
	asset := p.TradingPair.Quote()
	if p.Side == domain.TradeTypeSell {
		asset = p.TradingPair.Base()
	}
	bal, ok := b.balances.Balance(asset)
	if !ok {
		return decimal.Zero
	}
	return bal.Available
}

// requiredFor returns the balance the proposal consumes, fee buffer
// included for buys.
func (b *BudgetChecker) requiredFor(p domain.OrderProposal) decimal.Decimal {
	if p.Side == domain.TradeTypeSell {
		return p.Amount
	}
	return p.Notional().Mul(decimal.NewFromInt(1).Add(b.feeBuffer))
}

// affordableAmount returns the largest base amount the available balance
// funds at the proposal's price.
func (b *BudgetChecker) affordableAmount(p domain.OrderProposal, available decimal.Decimal) decimal.Decimal {
	if p.Side == domain.TradeTypeSell {
		return available
	}
	denom := p.Price.Mul(decimal.NewFromInt(1).Add(b.feeBuffer))
	if denom.IsZero() {
		return decimal.Zero
	}
	return available.Div(denom)
}
