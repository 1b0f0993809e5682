package connector

import "github.com/coinalpha/hbot/internal/domain"

// BookHandler is called with a refreshed book snapshot after every applied
// update.
type BookHandler func(domain.OrderBookSnapshot)

// PublicTradeHandler is called for every public trade on a subscribed pair.
type PublicTradeHandler func(domain.PublicTrade)

// TopOfBookHandler is called for every best bid/ask tick.
type TopOfBookHandler func(domain.TopOfBook)

// CandleHandler is called for every candle update on a subscribed interval.
type CandleHandler func(domain.Candle)

// MarketStreams is implemented by connectors that publish market data to
// registered handlers. Handlers must be registered before Run and must not
// block: they run on the connector's stream goroutines.
type MarketStreams interface {
	Name() string
	OnBookSnapshot(BookHandler)
	OnPublicTrade(PublicTradeHandler)
	OnTopOfBook(TopOfBookHandler)
	OnCandle(CandleHandler)
}
