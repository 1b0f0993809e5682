package book

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

func testSnapshot(seq int64) domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeBinance,
		TradingPair: "BTC-USDT",
		Bids: []domain.BookLevel{
			{Price: 25000, Size: 1.5},
			{Price: 25010, Size: 2.0},
			{Price: 24990, Size: 3.0},
		},
		Asks: []domain.BookLevel{
			{Price: 25030, Size: 1.0},
			{Price: 25020, Size: 0.5},
			{Price: 25040, Size: 4.0},
		},
		SeqNum:    seq,
		Timestamp: time.Now(),
	}
}

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSnapshotSortsSides(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(100))

	if got := b.BestBid(); got != 25010 {
		t.Errorf("BestBid = %v, want 25010", got)
	}
	if got := b.BestAsk(); got != 25020 {
		t.Errorf("BestAsk = %v, want 25020", got)
	}
	if got := b.MidPrice(); got != 25015 {
		t.Errorf("MidPrice = %v, want 25015", got)
	}
	if got := b.Spread(); got != 10 {
		t.Errorf("Spread = %v, want 10", got)
	}
	if got := b.SeqNum(); got != 100 {
		t.Errorf("SeqNum = %v, want 100", got)
	}
}

func TestEmptyBookZeroValues(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	if b.BestBid() != 0 || b.BestAsk() != 0 || b.MidPrice() != 0 || b.Spread() != 0 {
		t.Error("empty book must report zeros")
	}
	if got := b.Imbalance(10); got != 0.5 {
		t.Errorf("empty Imbalance = %v, want 0.5", got)
	}
}

func TestDiffInsertReplaceDelete(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(100))

	err := b.ApplyDiff(domain.OrderBookDiff{
		FirstUpdateID: 101,
		FinalUpdateID: 105,
		Bids: []domain.BookLevel{
			{Price: 25015, Size: 1.0}, // insert new best bid
			{Price: 25000, Size: 9.9}, // replace
			{Price: 24990, Size: 0},   // delete
		},
		Asks: []domain.BookLevel{
			{Price: 25020, Size: 0},   // delete best ask
			{Price: 25025, Size: 2.0}, // insert
		},
	})
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	if got := b.BestBid(); got != 25015 {
		t.Errorf("BestBid = %v, want 25015", got)
	}
	if got := b.BestAsk(); got != 25025 {
		t.Errorf("BestAsk = %v, want 25025", got)
	}
	if got := b.SeqNum(); got != 105 {
		t.Errorf("SeqNum = %v, want 105", got)
	}

	snap := b.Snapshot(0)
	if len(snap.Bids) != 3 {
		t.Fatalf("bids = %d levels, want 3", len(snap.Bids))
	}
	if snap.Bids[1].Price != 25010 || snap.Bids[2].Size != 9.9 {
		t.Errorf("bid levels after diff = %+v", snap.Bids)
	}
	for _, lvl := range snap.Bids {
		if lvl.Price == 24990 {
			t.Error("deleted bid level still present")
		}
	}
}

func TestDiffStaleSkipped(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(100))

	err := b.ApplyDiff(domain.OrderBookDiff{
		FirstUpdateID: 90,
		FinalUpdateID: 100,
		Bids:          []domain.BookLevel{{Price: 1, Size: 1}},
	})
	if err != nil {
		t.Fatalf("stale diff: %v", err)
	}
	if got := b.BestBid(); got != 25010 {
		t.Errorf("stale diff mutated book: BestBid = %v", got)
	}
	if got := b.SeqNum(); got != 100 {
		t.Errorf("stale diff advanced seq to %d", got)
	}
}

func TestDiffOverlappingSnapshotApplies(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(100))

	// First diff after a snapshot may start at or before seq+1 as long as
	// it ends past the snapshot.
	err := b.ApplyDiff(domain.OrderBookDiff{
		FirstUpdateID: 95,
		FinalUpdateID: 103,
		Asks:          []domain.BookLevel{{Price: 25018, Size: 1.0}},
	})
	if err != nil {
		t.Fatalf("overlapping diff: %v", err)
	}
	if got := b.BestAsk(); got != 25018 {
		t.Errorf("BestAsk = %v, want 25018", got)
	}
}

func TestDiffGapReturnsSentinel(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(100))

	err := b.ApplyDiff(domain.OrderBookDiff{
		FirstUpdateID: 110,
		FinalUpdateID: 115,
		Bids:          []domain.BookLevel{{Price: 25050, Size: 1}},
	})
	if !errors.Is(err, domain.ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
	// Book untouched on gap.
	if got := b.BestBid(); got != 25010 {
		t.Errorf("gapped diff mutated book: BestBid = %v", got)
	}
	if got := b.SeqNum(); got != 100 {
		t.Errorf("gapped diff advanced seq to %d", got)
	}
}

func TestPriceForVolume(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(1))

	// Buy 1.0: 0.5 @ 25020 + 0.5 @ 25030 = 25025 average.
	got, err := b.PriceForVolume(domain.TradeTypeBuy, 1.0)
	if err != nil {
		t.Fatalf("PriceForVolume buy: %v", err)
	}
	if !floatEquals(got, 25025) {
		t.Errorf("buy VWAP = %v, want 25025", got)
	}

	// Sell 3.0: 2.0 @ 25010 + 1.0 @ 25000 = 25006.666...
	got, err = b.PriceForVolume(domain.TradeTypeSell, 3.0)
	if err != nil {
		t.Fatalf("PriceForVolume sell: %v", err)
	}
	if !floatEquals(got, (2.0*25010+1.0*25000)/3.0) {
		t.Errorf("sell VWAP = %v", got)
	}
}

func TestPriceForVolumeInsufficientDepth(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(1))

	_, err := b.PriceForVolume(domain.TradeTypeBuy, 100)
	if !errors.Is(err, domain.ErrInsufficientDepth) {
		t.Fatalf("err = %v, want ErrInsufficientDepth", err)
	}
}

func TestImbalance(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(domain.OrderBookSnapshot{
		TradingPair: "BTC-USDT",
		Bids:        []domain.BookLevel{{Price: 100, Size: 6}},
		Asks:        []domain.BookLevel{{Price: 101, Size: 2}},
		SeqNum:      1,
	})
	if got := b.Imbalance(1); !floatEquals(got, 0.75) {
		t.Errorf("Imbalance = %v, want 0.75", got)
	}
}

func TestSnapshotDepthLimit(t *testing.T) {
	b := New(domain.ExchangeBinance, "BTC-USDT")
	b.ApplySnapshot(testSnapshot(7))

	snap := b.Snapshot(1)
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("depth-1 snapshot has %d bids / %d asks", len(snap.Bids), len(snap.Asks))
	}
	if snap.BestBid != 25010 || snap.BestAsk != 25020 {
		t.Errorf("best levels = %v / %v", snap.BestBid, snap.BestAsk)
	}
	if snap.MidPrice != 25015 {
		t.Errorf("MidPrice = %v, want 25015", snap.MidPrice)
	}
	if snap.SeqNum != 7 {
		t.Errorf("SeqNum = %v, want 7", snap.SeqNum)
	}

	// Exported levels are copies: mutating them must not touch the book.
	snap.Bids[0].Size = 0
	if got := b.Snapshot(1).Bids[0].Size; got != 2.0 {
		t.Errorf("book level mutated through snapshot copy: %v", got)
	}
}
