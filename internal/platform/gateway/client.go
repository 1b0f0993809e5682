// Package gateway is a minimal on-chain AMM venue. It prices trading
// pairs from constant-product pool reserves over JSON-RPC and executes
// swaps as EIP-155 signed router transactions. There is no mempool
// monitoring; the receipt poll is the only confirmation path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// DefaultSwapDeadline bounds how long a submitted swap stays valid
	// on chain.
	DefaultSwapDeadline = 2 * time.Minute

	// rpcKey and rpcLimit budget JSON-RPC calls per second, sized for
	// free provider tiers.
	rpcKey   = "gateway:rpc"
	rpcLimit = 10

	// Gas estimates are padded by 20% so reserve drift between estimate
	// and inclusion does not starve the swap.
	gasPadNum = 6
	gasPadDen = 5

	defaultReceiptPoll = 1500 * time.Millisecond
)

// Client talks to one EVM JSON-RPC endpoint and a fixed set of pools.
type Client struct {
	eth     *ethclient.Client
	signer  *crypto.WalletSigner
	limiter domain.RateLimiter // nil disables client-side limiting
	pools   map[domain.TradingPair]Pool

	receiptPoll time.Duration
}

// New dials an EVM JSON-RPC endpoint. signer may be nil for price-only
// use; limiter may be nil to disable request budgeting.
func New(rpcURL string, signer *crypto.WalletSigner, pools []Pool, limiter domain.RateLimiter) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", rpcURL, err)
	}
	c := &Client{
		eth:         eth,
		signer:      signer,
		limiter:     limiter,
		pools:       make(map[domain.TradingPair]Pool, len(pools)),
		receiptPoll: defaultReceiptPoll,
	}
	for _, p := range pools {
		c.pools[p.TradingPair] = p
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Pool returns the configured pool for a pair.
func (c *Client) Pool(pair domain.TradingPair) (Pool, bool) {
	p, ok := c.pools[pair]
	return p, ok
}

// Pairs lists the pairs this gateway can price.
func (c *Client) Pairs() []domain.TradingPair {
	out := make([]domain.TradingPair, 0, len(c.pools))
	for pair := range c.pools {
		out = append(out, pair)
	}
	return out
}

// VerifyChain confirms the node serves the chain the signer targets.
// Signing for the wrong chain produces transactions every node rejects,
// so this runs once at startup.
func (c *Client) VerifyChain(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("gateway: chain id: %w", err)
	}
	if c.signer != nil && chainID.Cmp(c.signer.ChainID()) != 0 {
		return fmt.Errorf("gateway: node serves chain %s, signer targets %s", chainID, c.signer.ChainID())
	}
	return nil
}

// Reserves reads a pool's current inventory.
func (c *Client) Reserves(ctx context.Context, pair domain.TradingPair) (Reserves, error) {
	pool, ok := c.pools[pair]
	if !ok {
		return Reserves{}, fmt.Errorf("gateway: pool %s: %w", pair, domain.ErrNotFound)
	}
	ret, err := c.call(ctx, pool.Address, selGetReserves)
	if err != nil {
		return Reserves{}, fmt.Errorf("gateway: getReserves %s: %w", pair, err)
	}
	if len(ret) < 64 {
		return Reserves{}, fmt.Errorf("gateway: getReserves %s: short return (%d bytes)", pair, len(ret))
	}
	r0 := new(big.Int).SetBytes(ret[:32])
	r1 := new(big.Int).SetBytes(ret[32:64])
	if pool.BaseIsToken0 {
		return Reserves{Base: r0, Quote: r1}, nil
	}
	return Reserves{Base: r1, Quote: r0}, nil
}

// MidPrice returns the zero-size price implied by the pool reserves.
func (c *Client) MidPrice(ctx context.Context, pair domain.TradingPair) (decimal.Decimal, error) {
	pool, ok := c.pools[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("gateway: pool %s: %w", pair, domain.ErrNotFound)
	}
	res, err := c.Reserves(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if res.Base.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("gateway: pool %s has no %s liquidity", pair, pool.Base.Symbol)
	}
	return fromWei(res.Quote, pool.Quote.Decimals).Div(fromWei(res.Base, pool.Base.Decimals)), nil
}

// Quote prices a trade of baseAmount against the current reserves, pool
// fee included: the quote received for a sell, the quote required for a
// buy.
func (c *Client) Quote(ctx context.Context, pair domain.TradingPair, side domain.TradeType, baseAmount decimal.Decimal) (decimal.Decimal, error) {
	pool, ok := c.pools[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("gateway: pool %s: %w", pair, domain.ErrNotFound)
	}
	if !baseAmount.IsPositive() {
		return decimal.Zero, fmt.Errorf("gateway: quote %s: amount %s: %w", pair, baseAmount, domain.ErrInvalidOrder)
	}
	res, err := c.Reserves(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}

	baseWei := toWei(baseAmount, pool.Base.Decimals)
	if side == domain.TradeTypeSell {
		out := amountOut(baseWei, res.Base, res.Quote, pool.FeeBps)
		return fromWei(out, pool.Quote.Decimals), nil
	}
	in, err := amountIn(baseWei, res.Quote, res.Base, pool.FeeBps)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gateway: quote %s: %w", pair, err)
	}
	return fromWei(in, pool.Quote.Decimals), nil
}

// Swap submits a router swap and returns the transaction hash. Sells are
// exact-input (QuoteLimit is the minimum quote out), buys exact-output
// (QuoteLimit is the maximum quote in, and is required).
func (c *Client) Swap(ctx context.Context, p SwapParams) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("gateway: swap: no signer configured")
	}
	pool, ok := c.pools[p.Pair]
	if !ok {
		return common.Hash{}, fmt.Errorf("gateway: pool %s: %w", p.Pair, domain.ErrNotFound)
	}
	if !p.BaseAmount.IsPositive() {
		return common.Hash{}, fmt.Errorf("gateway: swap %s: amount %s: %w", p.Pair, p.BaseAmount, domain.ErrInvalidOrder)
	}

	deadline := p.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultSwapDeadline)
	}
	baseWei := toWei(p.BaseAmount, pool.Base.Decimals)
	quoteWei := toWei(p.QuoteLimit, pool.Quote.Decimals)
	to := c.signer.Address()

	var data []byte
	if p.Side == domain.TradeTypeSell {
		path := []common.Address{pool.Base.Address, pool.Quote.Address}
		data = encodeSwap(selSwapExactIn, baseWei, quoteWei, path, to, big.NewInt(deadline.Unix()))
	} else {
		if quoteWei.Sign() == 0 {
			return common.Hash{}, fmt.Errorf("gateway: swap buy %s: quote limit required: %w", p.Pair, domain.ErrInvalidOrder)
		}
		path := []common.Address{pool.Quote.Address, pool.Base.Address}
		data = encodeSwap(selSwapExactOut, baseWei, quoteWei, path, to, big.NewInt(deadline.Unix()))
	}
	return c.send(ctx, pool.Router, data)
}

// Approve grants a spender (normally the pool's router) an ERC-20
// allowance from the signer's wallet.
func (c *Client) Approve(ctx context.Context, token Token, spender common.Address, amount decimal.Decimal) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("gateway: approve: no signer configured")
	}
	data := make([]byte, 0, 4+64)
	data = append(data, selApprove...)
	data = append(data, abiWord(spender.Bytes())...)
	data = append(data, abiWord(toWei(amount, token.Decimals).Bytes())...)
	return c.send(ctx, token.Address, data)
}

// TokenBalance reads the signer's ERC-20 balance.
func (c *Client) TokenBalance(ctx context.Context, token Token) (decimal.Decimal, error) {
	if c.signer == nil {
		return decimal.Zero, errors.New("gateway: token balance: no signer configured")
	}
	data := make([]byte, 0, 4+32)
	data = append(data, selBalanceOf...)
	data = append(data, abiWord(c.signer.Address().Bytes())...)

	ret, err := c.call(ctx, token.Address, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("gateway: balanceOf %s: %w", token.Symbol, err)
	}
	if len(ret) < 32 {
		return decimal.Zero, fmt.Errorf("gateway: balanceOf %s: short return (%d bytes)", token.Symbol, len(ret))
	}
	return fromWei(new(big.Int).SetBytes(ret[:32]), token.Decimals), nil
}

// WaitMined polls for a transaction receipt until ctx expires.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("gateway: receipt %s: %w", hash, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// send signs calldata as an EIP-155 legacy transaction against to and
// broadcasts it. The pending nonce keeps a single wallet's submissions
// ordered; the estimate doubles as a revert pre-flight.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	from := c.signer.Address()

	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("gateway: estimate gas: %w", err)
	}
	gas = gas * gasPadNum / gasPadDen

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gateway: gas price: %w", err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gateway: nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gateway: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("gateway: send tx: %w", err)
	}
	return signed.Hash(), nil
}

// call performs a read-only contract call at the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, rpcKey, 1, rpcLimit, time.Second); err != nil {
		return fmt.Errorf("gateway: rate limiter: %w", err)
	}
	return nil
}
