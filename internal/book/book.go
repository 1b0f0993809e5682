// Package book maintains in-memory limit order books built from exchange
// depth snapshots and incremental diffs.
package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// Book is one venue's order book for a single trading pair. Bids are kept
// sorted descending and asks ascending, so index 0 is always the best
// level on each side.
type Book struct {
	mu        sync.RWMutex
	exchange  string
	pair      domain.TradingPair
	bids      []domain.BookLevel
	asks      []domain.BookLevel
	seqNum    int64
	updatedAt time.Time
}

// New returns an empty book for the given venue and pair. It holds no
// levels until the first ApplySnapshot.
func New(exchange string, pair domain.TradingPair) *Book {
	return &Book{
		exchange: exchange,
		pair:     pair,
	}
}

// Exchange returns the owning venue name.
func (b *Book) Exchange() string { return b.exchange }

// TradingPair returns the pair this book tracks.
func (b *Book) TradingPair() domain.TradingPair { return b.pair }

// ApplySnapshot replaces the book's contents with a full snapshot and
// resets the sequence number to the snapshot's.
func (b *Book) ApplySnapshot(snap domain.OrderBookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = b.bids[:0]
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			b.bids = append(b.bids, lvl)
		}
	}
	b.asks = b.asks[:0]
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			b.asks = append(b.asks, lvl)
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })

	b.seqNum = snap.SeqNum
	b.updatedAt = snap.Timestamp
	if b.updatedAt.IsZero() {
		b.updatedAt = time.Now()
	}
}

// ApplyDiff merges an incremental update into the book. Diffs wholly at or
// below the current sequence are skipped (already reflected by the
// snapshot). A diff starting beyond seq+1 means updates were lost: the
// book is not touched and ErrSequenceGap is returned so the caller can
// resnapshot.
func (b *Book) ApplyDiff(diff domain.OrderBookDiff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if diff.FinalUpdateID <= b.seqNum {
		return nil
	}
	if b.seqNum > 0 && diff.FirstUpdateID > b.seqNum+1 {
		return fmt.Errorf("book %s %s: have seq %d, diff starts at %d: %w",
			b.exchange, b.pair, b.seqNum, diff.FirstUpdateID, domain.ErrSequenceGap)
	}

	for _, lvl := range diff.Bids {
		b.bids = applyLevel(b.bids, lvl, descending)
	}
	for _, lvl := range diff.Asks {
		b.asks = applyLevel(b.asks, lvl, ascending)
	}

	b.seqNum = diff.FinalUpdateID
	b.updatedAt = diff.Timestamp
	if b.updatedAt.IsZero() {
		b.updatedAt = time.Now()
	}
	return nil
}

// Side orderings: each reports whether an existing price sorts at or
// after the incoming one.
var (
	descending = func(existing, incoming float64) bool { return existing <= incoming }
	ascending  = func(existing, incoming float64) bool { return existing >= incoming }
)

// applyLevel inserts, replaces, or (size 0) deletes one price level in a
// sorted side.
func applyLevel(side []domain.BookLevel, lvl domain.BookLevel, atOrAfter func(existing, incoming float64) bool) []domain.BookLevel {
	i := sort.Search(len(side), func(i int) bool { return atOrAfter(side[i].Price, lvl.Price) })
	found := i < len(side) && side[i].Price == lvl.Price

	switch {
	case found && lvl.Size <= 0:
		return append(side[:i], side[i+1:]...)
	case found:
		side[i].Size = lvl.Size
		return side
	case lvl.Size <= 0:
		return side
	default:
		side = append(side, domain.BookLevel{})
		copy(side[i+1:], side[i:])
		side[i] = lvl
		return side
	}
}

// BestBid returns the highest bid price, or 0 when the side is empty.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return 0
	}
	return b.bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the side is empty.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return 0
	}
	return b.asks[0].Price
}

// MidPrice returns the midpoint of the best levels, or 0 when either side
// is empty.
func (b *Book) MidPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0
	}
	return (b.bids[0].Price + b.asks[0].Price) / 2
}

// Spread returns the absolute bid/ask spread, or 0 when either side is
// empty.
func (b *Book) Spread() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0
	}
	return b.asks[0].Price - b.bids[0].Price
}

// SeqNum returns the sequence number of the last applied update.
func (b *Book) SeqNum() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seqNum
}

// PriceForVolume returns the volume-weighted average price of taking the
// given base size from the book: asks for a buy, bids for a sell. It
// returns ErrInsufficientDepth when the visible book cannot fill size.
func (b *Book) PriceForVolume(side domain.TradeType, size float64) (float64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("book %s %s: volume must be positive", b.exchange, b.pair)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.asks
	if side == domain.TradeTypeSell {
		levels = b.bids
	}

	remaining := size
	cost := 0.0
	for _, lvl := range levels {
		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			return cost / size, nil
		}
	}
	return 0, fmt.Errorf("book %s %s: only %.8f of %.8f available: %w",
		b.exchange, b.pair, size-remaining, size, domain.ErrInsufficientDepth)
}

// Imbalance returns bid volume / (bid volume + ask volume) over the top
// depth levels of each side: 0.5 is balanced, above favors buyers. It
// returns 0.5 when the book is empty.
func (b *Book) Imbalance(depth int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bidVol := sideVolume(b.bids, depth)
	askVol := sideVolume(b.asks, depth)
	total := bidVol + askVol
	if total <= 0 {
		return 0.5
	}
	return bidVol / total
}

func sideVolume(side []domain.BookLevel, depth int) float64 {
	if depth <= 0 || depth > len(side) {
		depth = len(side)
	}
	vol := 0.0
	for _, lvl := range side[:depth] {
		vol += lvl.Size
	}
	return vol
}

// Snapshot exports the top depth levels of each side (all levels when
// depth <= 0) with derived best/mid prices.
func (b *Book) Snapshot(depth int) domain.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nb, na := len(b.bids), len(b.asks)
	if depth > 0 {
		if depth < nb {
			nb = depth
		}
		if depth < na {
			na = depth
		}
	}

	snap := domain.OrderBookSnapshot{
		Exchange:    b.exchange,
		TradingPair: b.pair,
		Bids:        append([]domain.BookLevel(nil), b.bids[:nb]...),
		Asks:        append([]domain.BookLevel(nil), b.asks[:na]...),
		SeqNum:      b.seqNum,
		Timestamp:   b.updatedAt,
	}
	if len(b.bids) > 0 {
		snap.BestBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		snap.BestAsk = b.asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}
	return snap
}
