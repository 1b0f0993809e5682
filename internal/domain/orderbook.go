package domain

import "time"

// BookLevel is a single price+size entry in an order book. Book data is
// float64 end to end: it is high-churn market data, never accounting state.
type BookLevel struct {
	Price float64
	Size  float64
}

// OrderBookSnapshot is a top-N view of one venue's book for a pair.
type OrderBookSnapshot struct {
	Exchange    string
	TradingPair TradingPair
	Bids        []BookLevel
	Asks        []BookLevel
	BestBid     float64
	BestAsk     float64
	MidPrice    float64
	SeqNum      int64
	Timestamp   time.Time
}

// Spread returns the absolute bid/ask spread, or 0 when one side is empty.
func (s OrderBookSnapshot) Spread() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return s.BestAsk - s.BestBid
}

// OrderBookDiff is an incremental book update. Diffs stitch onto a REST
// snapshot by sequence number: a diff applies when FirstUpdateID <=
// snapshot.SeqNum+1 <= FinalUpdateID, and each later diff must start at
// the previous FinalUpdateID+1.
type OrderBookDiff struct {
	Exchange      string
	TradingPair   TradingPair
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []BookLevel // size 0 removes the level
	Asks          []BookLevel
	Timestamp     time.Time
}

// TopOfBook is a best bid/ask quote from a ticker stream.
type TopOfBook struct {
	Exchange    string
	TradingPair TradingPair
	BidPrice    float64
	BidSize     float64
	AskPrice    float64
	AskSize     float64
	SeqNum      int64
	Timestamp   time.Time
}

// Mid returns the midpoint, or 0 when one side is missing.
func (t TopOfBook) Mid() float64 {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return 0
	}
	return (t.BidPrice + t.AskPrice) / 2
}

// PriceChange signals that a pair's mid price moved past the feed's
// reporting threshold.
type PriceChange struct {
	Exchange    string
	TradingPair TradingPair
	MidPrice    float64
	PrevMid     float64
	BestBid     float64
	BestAsk     float64
	Timestamp   time.Time
}

// PriceSnapshot bundles the current top-of-book for strategy evaluation.
type PriceSnapshot struct {
	Exchange    string
	TradingPair TradingPair
	BestBid     float64
	BestAsk     float64
	MidPrice    float64
	Spread      float64
	Time        time.Time
}
