package strategy

// RegisterBuiltin installs the shipped strategies into the registry.
func RegisterBuiltin(r *Registry) {
	r.Register("pure_market_making", NewPureMarketMaking)
	r.Register("cross_exchange_arbitrage", NewCrossExchangeArbitrage)
	r.Register("rsi_directional", NewRSIDirectional)
}
