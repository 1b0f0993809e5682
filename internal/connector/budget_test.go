package connector

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

type stubBalances map[string]decimal.Decimal

func (s stubBalances) Balance(asset string) (domain.Balance, bool) {
	avail, ok := s[asset]
	if !ok {
		return domain.Balance{}, false
	}
	return domain.Balance{Asset: asset, Total: avail, Available: avail}, true
}

type stubRules map[domain.TradingPair]domain.TradingRule

func (s stubRules) TradingRule(pair domain.TradingPair) (domain.TradingRule, bool) {
	r, ok := s[pair]
	return r, ok
}

func testRules() stubRules {
	return stubRules{
		"COIN-USDT": {
			TradingPair:  "COIN-USDT",
			MinOrderSize: d("1"),
			TickSize:     d("0.01"),
			StepSize:     d("0.1"),
			MinNotional:  d("10"),
		},
	}
}

func buyProposal(price, amount string) domain.OrderProposal {
	return domain.OrderProposal{
		Kind:        domain.ProposalPlace,
		Exchange:    domain.ExchangeBinance,
		TradingPair: "COIN-USDT",
		Side:        domain.TradeTypeBuy,
		OrderType:   domain.OrderTypeLimit,
		Price:       d(price),
		Amount:      d(amount),
	}
}

func TestAdjustProposalQuantizes(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"USDT": d("10000")}, testRules(), decimal.Zero)

	got, err := checker.AdjustProposal(buyProposal("1.2345", "10.567"), false)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !got.Price.Equal(d("1.23")) {
		t.Errorf("price = %s, want 1.23", got.Price)
	}
	if !got.Amount.Equal(d("10.5")) {
		t.Errorf("amount = %s, want 10.5", got.Amount)
	}
}

func TestAdjustProposalMissingRule(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{}, stubRules{}, decimal.Zero)

	_, err := checker.AdjustProposal(buyProposal("1.0", "10"), false)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdjustProposalShrinksBuyToBudget(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"USDT": d("50")}, testRules(), decimal.Zero)

	got, err := checker.AdjustProposal(buyProposal("2.00", "100"), false)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	// 50 USDT at 2.00 buys 25 base.
	if !got.Amount.Equal(d("25")) {
		t.Errorf("amount = %s, want 25", got.Amount)
	}
}

func TestAdjustProposalAllOrNoneFails(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"USDT": d("50")}, testRules(), decimal.Zero)

	_, err := checker.AdjustProposal(buyProposal("2.00", "100"), true)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestAdjustProposalFeeBufferReservesHeadroom(t *testing.T) {
	// 100 USDT with a 10% fee buffer funds 100/(2*1.1) ~= 45.45 base,
	// quantized down to the 0.1 step.
	checker := NewBudgetChecker(stubBalances{"USDT": d("100")}, testRules(), d("0.1"))

	got, err := checker.AdjustProposal(buyProposal("2.00", "100"), false)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !got.Amount.Equal(d("45.4")) {
		t.Errorf("amount = %s, want 45.4", got.Amount)
	}
}

func TestAdjustProposalSellUsesBaseBalance(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"COIN": d("30")}, testRules(), decimal.Zero)

	sell := buyProposal("2.00", "100")
	sell.Side = domain.TradeTypeSell
	got, err := checker.AdjustProposal(sell, false)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !got.Amount.Equal(d("30")) {
		t.Errorf("amount = %s, want 30", got.Amount)
	}
}

func TestAdjustProposalBelowMinimums(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"USDT": d("4")}, testRules(), decimal.Zero)

	// 4 USDT at 2.00 buys 2 base, notional 4 < MinNotional 10.
	_, err := checker.AdjustProposal(buyProposal("2.00", "100"), false)
	if !errors.Is(err, domain.ErrBelowMinimums) {
		t.Errorf("err = %v, want ErrBelowMinimums", err)
	}
}

func TestCheckProposalsDropsUnfundable(t *testing.T) {
	checker := NewBudgetChecker(stubBalances{"USDT": d("50")}, testRules(), decimal.Zero)

	cancel := domain.OrderProposal{Kind: domain.ProposalCancel, ClientOrderID: "A-1"}
	fundable := buyProposal("2.00", "10")
	starved := buyProposal("2.00", "100")
	starved.TradingPair = "GHOST-USDT" // no rule, dropped

	out := checker.CheckProposals([]domain.OrderProposal{cancel, fundable, starved})
	if len(out) != 2 {
		t.Fatalf("survivors = %d, want 2", len(out))
	}
	if out[0].Kind != domain.ProposalCancel {
		t.Error("cancel proposal did not pass through untouched")
	}
	if !out[1].Amount.Equal(d("10")) {
		t.Errorf("surviving amount = %s, want 10", out[1].Amount)
	}
}

func TestClientOrderIDFormat(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	id := NewClientOrderID(domain.TradeTypeBuy, at)
	if !IsOurOrderID(id) {
		t.Errorf("generated id %q not recognized as ours", id)
	}
	if len(id) > 32 {
		t.Errorf("id %q longer than 32 chars", id)
	}
	if id[:7] != "HBOT-B-" {
		t.Errorf("id %q does not carry the buy prefix", id)
	}

	sell := NewClientOrderID(domain.TradeTypeSell, at)
	if sell[:7] != "HBOT-S-" {
		t.Errorf("id %q does not carry the sell prefix", sell)
	}
	if IsOurOrderID("web_12345") {
		t.Error("foreign id recognized as ours")
	}
}

func TestClientOrderIDsUnique(t *testing.T) {
	at := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewClientOrderID(domain.TradeTypeBuy, at)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
