package coingecko

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// defaultCoinIDs maps asset symbols to CoinGecko coin ids. Extend via
// Oracle.AddAsset for assets not listed here.
var defaultCoinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"LINK":  "chainlink",
	"AVAX":  "avalanche-2",
	"ATOM":  "cosmos",
	"KCS":   "kucoin-shares",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"BUSD":  "binance-usd",
}

// Oracle converts between assets using cached CoinGecko USD quotes. It
// satisfies domain.RateOracle.
type Oracle struct {
	client *Client
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	coinIDs   map[string]string
	usdPrices map[string]float64
	fetchedAt time.Time
}

// NewOracle wraps a CoinGecko client with a rate cache. ttl bounds how
// stale a cached quote may be before the next Rate call refreshes it.
func NewOracle(client *Client, ttl time.Duration, logger *slog.Logger) *Oracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ids := make(map[string]string, len(defaultCoinIDs))
	for sym, id := range defaultCoinIDs {
		ids[sym] = id
	}
	return &Oracle{
		client:    client,
		ttl:       ttl,
		logger:    logger.With(slog.String("component", "rate_oracle")),
		coinIDs:   ids,
		usdPrices: make(map[string]float64),
	}
}

// AddAsset registers a symbol → coin id mapping not covered by the
// built-in table.
func (o *Oracle) AddAsset(symbol, coinID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.coinIDs[strings.ToUpper(symbol)] = coinID
}

// Rate returns how many units of quote one unit of base is worth.
func (o *Oracle) Rate(ctx context.Context, base, quote string) (float64, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if base == quote {
		return 1, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.refreshLocked(ctx); err != nil {
		return 0, err
	}

	baseUSD, ok := o.usdPrices[base]
	if !ok || baseUSD <= 0 {
		return 0, fmt.Errorf("coingecko: no rate for %s: %w", base, domain.ErrNotFound)
	}
	quoteUSD, ok := o.usdPrices[quote]
	if !ok || quoteUSD <= 0 {
		return 0, fmt.Errorf("coingecko: no rate for %s: %w", quote, domain.ErrNotFound)
	}
	return baseUSD / quoteUSD, nil
}

// refreshLocked re-fetches all known coin prices in one batch when the
// cache has expired. Serves stale data rather than failing if a refresh
// errors while a previous fetch is still cached.
func (o *Oracle) refreshLocked(ctx context.Context) error {
	if time.Since(o.fetchedAt) < o.ttl && len(o.usdPrices) > 0 {
		return nil
	}

	ids := make([]string, 0, len(o.coinIDs))
	idToSymbol := make(map[string]string, len(o.coinIDs))
	for sym, id := range o.coinIDs {
		ids = append(ids, id)
		idToSymbol[id] = sym
	}

	prices, err := o.client.SimplePrices(ctx, ids, "usd")
	if err != nil {
		if len(o.usdPrices) > 0 {
			o.logger.Warn("rate refresh failed, serving cached rates",
				slog.String("error", err.Error()),
				slog.Duration("age", time.Since(o.fetchedAt)))
			return nil
		}
		return err
	}

	for id, price := range prices {
		if sym, ok := idToSymbol[id]; ok {
			o.usdPrices[sym] = price
		}
	}
	o.fetchedAt = time.Now()
	return nil
}
