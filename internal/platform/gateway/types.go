package gateway

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// Token identifies one ERC-20 leg of a pool.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Pool describes a constant-product pair contract and the router that
// trades it. One pool per trading pair.
type Pool struct {
	TradingPair domain.TradingPair
	Address     common.Address
	Router      common.Address
	Base        Token
	Quote       Token

	// BaseIsToken0 maps the contract's reserve order onto base/quote.
	BaseIsToken0 bool

	// FeeBps is the pool fee in basis points (30 = 0.30%).
	FeeBps int64
}

// Reserves is a pool's token inventory mapped onto the pair's base and
// quote legs, in raw token units.
type Reserves struct {
	Base  *big.Int
	Quote *big.Int
}

// SwapParams describes a router swap of the pair's base asset.
type SwapParams struct {
	Pair       domain.TradingPair
	Side       domain.TradeType
	BaseAmount decimal.Decimal

	// QuoteLimit bounds the quote leg: the minimum received for sells,
	// the maximum spent for buys. Zero disables the bound for sells;
	// buys require one.
	QuoteLimit decimal.Decimal

	// Deadline is the on-chain expiry. Zero means DefaultSwapDeadline
	// from submission.
	Deadline time.Time
}

// --------------------------------------------------------------------------
// ABI encoding (pre-computed 4-byte dispatch selectors, hand-packed words)
// --------------------------------------------------------------------------

var (
	selGetReserves  = methodID("getReserves()")
	selBalanceOf    = methodID("balanceOf(address)")
	selApprove      = methodID("approve(address,uint256)")
	selSwapExactIn  = methodID("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)")
	selSwapExactOut = methodID("swapTokensForExactTokens(uint256,uint256,address[],address,uint256)")
)

func methodID(signature string) []byte {
	return ethcrypto.Keccak256([]byte(signature))[:4]
}

// abiWord left-pads b to one 32-byte argument word.
func abiWord(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

// encodeSwap packs a router swap call: two uint256 amounts, the hop path,
// the recipient, and the deadline. The path is the only dynamic argument,
// so its length and elements sit after the five head words.
func encodeSwap(selector []byte, amount0, amount1 *big.Int, path []common.Address, to common.Address, deadline *big.Int) []byte {
	data := make([]byte, 0, 4+32*(6+len(path)))
	data = append(data, selector...)
	data = append(data, abiWord(amount0.Bytes())...)
	data = append(data, abiWord(amount1.Bytes())...)
	data = append(data, abiWord(big.NewInt(5*32).Bytes())...)
	data = append(data, abiWord(to.Bytes())...)
	data = append(data, abiWord(deadline.Bytes())...)
	data = append(data, abiWord(big.NewInt(int64(len(path))).Bytes())...)
	for _, hop := range path {
		data = append(data, abiWord(hop.Bytes())...)
	}
	return data
}

// --------------------------------------------------------------------------
// Constant-product math
// --------------------------------------------------------------------------

const bpsDenominator = 10000

// amountOut prices an exact-input swap against pool reserves, the fee
// taken from the input side the way on-chain routers do.
func amountOut(in, reserveIn, reserveOut *big.Int, feeBps int64) *big.Int {
	inWithFee := new(big.Int).Mul(in, big.NewInt(bpsDenominator-feeBps))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator)
}

// amountIn prices an exact-output swap: the input that buys out from the
// reserves, rounded up.
func amountIn(out, reserveIn, reserveOut *big.Int, feeBps int64) (*big.Int, error) {
	if out.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("output %s exceeds pool reserve %s", out, reserveOut)
	}
	numerator := new(big.Int).Mul(reserveIn, out)
	numerator.Mul(numerator, big.NewInt(bpsDenominator))
	denominator := new(big.Int).Sub(reserveOut, out)
	denominator.Mul(denominator, big.NewInt(bpsDenominator-feeBps))
	numerator.Div(numerator, denominator)
	return numerator.Add(numerator, big.NewInt(1)), nil
}

// fromWei converts a raw token amount to its decimal representation.
func fromWei(n *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(n, -decimals)
}

// toWei converts a decimal token amount to raw units, truncating dust
// below the token's precision.
func toWei(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}
