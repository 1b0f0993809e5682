package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

type stubPlacer struct {
	mu      sync.Mutex
	placed  []domain.OrderProposal
	cancels []domain.OrderProposal
	result  domain.PlaceResult
	err     error
	// results, when non-empty, overrides result per call in order.
	results []domain.PlaceResult
}

func (s *stubPlacer) Place(_ context.Context, p domain.OrderProposal) (domain.PlaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placed = append(s.placed, p)
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r, s.err
	}
	return s.result, s.err
}

func (s *stubPlacer) Cancel(_ context.Context, p domain.OrderProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, p)
	return s.err
}

func (s *stubPlacer) placeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placed)
}

type stubRisk struct {
	mu     sync.Mutex
	checks int
	err    error
}

func (s *stubRisk) PreTradeCheck(context.Context, domain.OrderProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return s.err
}

type capturingAudit struct {
	mu      sync.Mutex
	events  []string
	details []map[string]any
}

func (a *capturingAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func (a *capturingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func placeProposal(id string) domain.OrderProposal {
	return domain.OrderProposal{
		ID:          id,
		Strategy:    "test",
		Exchange:    domain.ExchangeBinance,
		TradingPair: "BTC-USDT",
		Kind:        domain.ProposalPlace,
		Side:        domain.TradeTypeBuy,
		OrderType:   domain.OrderTypeLimit,
		Price:       decimal.RequireFromString("50000"),
		Amount:      decimal.RequireFromString("0.01"),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestProcessPlacesValidProposal(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true, ClientOrderID: "HBOT-B-1"}}
	risk := &stubRisk{}
	e := NewExecutor(nil, placer, risk, testLogger())

	e.process(context.Background(), placeProposal("p1"))

	if got := placer.placeCount(); got != 1 {
		t.Fatalf("placed %d orders, want 1", got)
	}
	if risk.checks != 1 {
		t.Fatalf("risk checks = %d, want 1", risk.checks)
	}
}

func TestProcessDeduplicates(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true}}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger())

	p := placeProposal("dup")
	e.process(context.Background(), p)
	e.process(context.Background(), p)

	if got := placer.placeCount(); got != 1 {
		t.Fatalf("placed %d orders, want 1 (duplicate must be dropped)", got)
	}
}

func TestProcessSkipsExpired(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true}}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger())

	p := placeProposal("expired")
	p.ExpiresAt = time.Now().UTC().Add(-time.Second)
	e.process(context.Background(), p)

	if got := placer.placeCount(); got != 0 {
		t.Fatalf("placed %d orders, want 0 for expired proposal", got)
	}
}

func TestProcessBlockedByRisk(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true}}
	risk := &stubRisk{err: errors.New("kill switch engaged")}
	e := NewExecutor(nil, placer, risk, testLogger())

	e.process(context.Background(), placeProposal("blocked"))

	if got := placer.placeCount(); got != 0 {
		t.Fatalf("placed %d orders, want 0 when risk check fails", got)
	}
}

func TestProcessRetriesOnShouldRetry(t *testing.T) {
	placer := &stubPlacer{
		results: []domain.PlaceResult{
			{Success: false, Message: "busy", ShouldRetry: true},
			{Success: true, ClientOrderID: "HBOT-B-2"},
		},
	}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger())

	e.process(context.Background(), placeProposal("retry"))

	if got := placer.placeCount(); got != 2 {
		t.Fatalf("placed %d times, want 2 (initial + one retry)", got)
	}
}

func TestProcessRoutesCancel(t *testing.T) {
	placer := &stubPlacer{}
	risk := &stubRisk{err: errors.New("must not be consulted")}
	e := NewExecutor(nil, placer, risk, testLogger())

	p := placeProposal("c1")
	p.Kind = domain.ProposalCancel
	p.ClientOrderID = "HBOT-B-old"
	e.process(context.Background(), p)

	if len(placer.cancels) != 1 {
		t.Fatalf("cancels = %d, want 1", len(placer.cancels))
	}
	if placer.placeCount() != 0 {
		t.Fatal("cancel proposal must not reach Place")
	}
	if risk.checks != 0 {
		t.Fatal("cancel proposal must bypass risk checks")
	}
}

func TestLegGroupExecutesWhenComplete(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true}}
	audit := &capturingAudit{}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger()).WithAuditStore(audit)

	leg1 := placeProposal("leg1")
	leg1.LegGroupID = "grp1"
	leg1.LegCount = 2
	leg1.LegPolicy = domain.LegPolicyAllOrNone
	leg2 := placeProposal("leg2")
	leg2.Side = domain.TradeTypeSell
	leg2.Exchange = domain.ExchangeKucoin
	leg2.LegGroupID = "grp1"
	leg2.LegCount = 2
	leg2.LegPolicy = domain.LegPolicyAllOrNone

	e.process(context.Background(), leg1)
	if got := placer.placeCount(); got != 0 {
		t.Fatalf("placed %d before group complete, want 0", got)
	}
	e.process(context.Background(), leg2)
	if got := placer.placeCount(); got != 2 {
		t.Fatalf("placed %d after group complete, want 2", got)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != 1 || audit.events[0] != "leg_group_executed" {
		t.Fatalf("audit events = %v, want one leg_group_executed", audit.events)
	}
	if aborted, _ := audit.details[0]["aborted"].(bool); aborted {
		t.Fatal("group should not report aborted")
	}
}

func TestLegGroupAllOrNoneStopsOnFailure(t *testing.T) {
	placer := &stubPlacer{
		results: []domain.PlaceResult{
			{Success: false, Message: "rejected"},
			{Success: true},
		},
	}
	audit := &capturingAudit{}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger()).WithAuditStore(audit)

	for _, id := range []string{"a", "b"} {
		p := placeProposal(id)
		p.LegGroupID = "grp2"
		p.LegCount = 2
		p.LegPolicy = domain.LegPolicyAllOrNone
		e.process(context.Background(), p)
	}

	if got := placer.placeCount(); got != 1 {
		t.Fatalf("placed %d legs, want 1: all_or_none stops after first failure", got)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if aborted, _ := audit.details[0]["aborted"].(bool); !aborted {
		t.Fatal("audit record should report the group as aborted")
	}
}

func TestLegGroupTimesOut(t *testing.T) {
	placer := &stubPlacer{result: domain.PlaceResult{Success: true}}
	e := NewExecutor(nil, placer, &stubRisk{}, testLogger())
	e.SetMaxLegGap(20 * time.Millisecond)

	p := placeProposal("lonely")
	p.LegGroupID = "grp3"
	p.LegCount = 2
	e.process(context.Background(), p)

	time.Sleep(60 * time.Millisecond)
	if got := e.legAccum.Pending(); got != 0 {
		t.Fatalf("pending groups = %d, want 0 after timeout", got)
	}
	if got := placer.placeCount(); got != 0 {
		t.Fatalf("placed %d, want 0: incomplete group must be discarded", got)
	}
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)
	if d.IsDuplicate("x") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !d.IsDuplicate("x") {
		t.Fatal("second sighting within TTL must be a duplicate")
	}
	time.Sleep(15 * time.Millisecond)
	if d.IsDuplicate("x") {
		t.Fatal("sighting after TTL must not be a duplicate")
	}
	d.Cleanup()
}
