package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
)

// Well-known throwaway development key, never funded on a real chain.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func units(n int64, decimals int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

// packWords hex-encodes 32-byte ABI return words.
func packWords(words ...*big.Int) string {
	buf := make([]byte, 0, 32*len(words))
	for _, w := range words {
		buf = append(buf, common.LeftPadBytes(w.Bytes(), 32)...)
	}
	return "0x" + hex.EncodeToString(buf)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handler(req.Method, req.Params),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type callArgs struct {
	To    string
	Input string
}

func decodeCall(t *testing.T, raw json.RawMessage) callArgs {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Errorf("decode call args: %v", err)
		return callArgs{}
	}
	input := m["input"]
	if input == "" {
		input = m["data"]
	}
	return callArgs{To: m["to"], Input: input}
}

func testPool() Pool {
	return Pool{
		TradingPair:  "WETH-USDC",
		Address:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Router:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Base:         Token{Symbol: "WETH", Address: common.HexToAddress("0x3333333333333333333333333333333333333333"), Decimals: 18},
		Quote:        Token{Symbol: "USDC", Address: common.HexToAddress("0x4444444444444444444444444444444444444444"), Decimals: 6},
		BaseIsToken0: true,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, pool Pool, chainID int64) *Client {
	t.Helper()
	signer, err := crypto.NewWalletSigner(testKey, chainID)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	c, err := New(srv.URL, signer, []Pool{pool}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestAmountMathMatchesRouter(t *testing.T) {
	out := amountOut(big.NewInt(1000), big.NewInt(10000), big.NewInt(10000), 30)
	if out.Int64() != 906 {
		t.Errorf("amountOut = %s, want 906", out)
	}

	in, err := amountIn(big.NewInt(906), big.NewInt(10000), big.NewInt(10000), 30)
	if err != nil {
		t.Fatalf("amountIn: %v", err)
	}
	if in.Int64() != 1000 {
		t.Errorf("amountIn = %s, want 1000", in)
	}

	if _, err := amountIn(big.NewInt(10000), big.NewInt(10000), big.NewInt(10000), 30); err == nil {
		t.Error("amountIn accepted an output equal to the reserve")
	}
}

func TestReservesMapsTokenOrder(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) any {
		if method != "eth_call" {
			t.Errorf("unexpected rpc method %s", method)
			return nil
		}
		call := decodeCall(t, params[0])
		if !strings.HasPrefix(call.Input, "0x"+hex.EncodeToString(selGetReserves)) {
			t.Errorf("input %s does not start with getReserves selector", call.Input)
		}
		return packWords(units(100, 18), units(250_000, 6), big.NewInt(0))
	})

	c := newTestClient(t, srv, testPool(), 137)
	res, err := c.Reserves(context.Background(), "WETH-USDC")
	if err != nil {
		t.Fatalf("reserves: %v", err)
	}
	if res.Base.Cmp(units(100, 18)) != 0 || res.Quote.Cmp(units(250_000, 6)) != 0 {
		t.Errorf("reserves = %s/%s, want 100 WETH / 250000 USDC raw", res.Base, res.Quote)
	}

	// Same contract return with the legs swapped in config.
	flipped := testPool()
	flipped.BaseIsToken0 = false
	srv2 := rpcServer(t, func(string, []json.RawMessage) any {
		return packWords(units(250_000, 6), units(100, 18), big.NewInt(0))
	})
	c2 := newTestClient(t, srv2, flipped, 137)
	res, err = c2.Reserves(context.Background(), "WETH-USDC")
	if err != nil {
		t.Fatalf("reserves (token1 base): %v", err)
	}
	if res.Base.Cmp(units(100, 18)) != 0 || res.Quote.Cmp(units(250_000, 6)) != 0 {
		t.Errorf("flipped reserves = %s/%s, want same base/quote mapping", res.Base, res.Quote)
	}
}

func TestMidPriceFromReserves(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) any {
		return packWords(units(100, 18), units(250_000, 6), big.NewInt(0))
	})
	c := newTestClient(t, srv, testPool(), 137)

	mid, err := c.MidPrice(context.Background(), "WETH-USDC")
	if err != nil {
		t.Fatalf("mid price: %v", err)
	}
	if !mid.Equal(d("2500")) {
		t.Errorf("mid = %s, want 2500", mid)
	}

	if _, err := c.MidPrice(context.Background(), "WBTC-USDC"); err == nil {
		t.Error("unknown pair priced")
	}
}

func TestQuoteWalksTheCurve(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) any {
		return packWords(units(100, 18), units(250_000, 6), big.NewInt(0))
	})
	c := newTestClient(t, srv, testPool(), 137)
	ctx := context.Background()

	// Selling 1 WETH into 100/250000 moves the price below mid.
	got, err := c.Quote(ctx, "WETH-USDC", domain.TradeTypeSell, d("1"))
	if err != nil {
		t.Fatalf("quote sell: %v", err)
	}
	if !got.Equal(d("2475.247524")) {
		t.Errorf("sell quote = %s, want 2475.247524", got)
	}

	// Buying 1 WETH costs more than mid, rounded up one raw unit.
	got, err = c.Quote(ctx, "WETH-USDC", domain.TradeTypeBuy, d("1"))
	if err != nil {
		t.Fatalf("quote buy: %v", err)
	}
	if !got.Equal(d("2525.252526")) {
		t.Errorf("buy quote = %s, want 2525.252526", got)
	}

	if _, err := c.Quote(ctx, "WETH-USDC", domain.TradeTypeBuy, decimal.Zero); err == nil {
		t.Error("zero amount quoted")
	}
}

func TestSwapSellSubmitsSignedTx(t *testing.T) {
	pool := testPool()
	var rawTx atomic.Value
	srv := rpcServer(t, func(method string, params []json.RawMessage) any {
		switch method {
		case "eth_estimateGas":
			return "0x30d40" // 200000
		case "eth_gasPrice":
			return "0x3b9aca00" // 1 gwei
		case "eth_getTransactionCount":
			return "0x7"
		case "eth_sendRawTransaction":
			var raw string
			if err := json.Unmarshal(params[0], &raw); err != nil {
				t.Errorf("decode raw tx param: %v", err)
			}
			rawTx.Store(raw)
			return common.Hash{}.Hex()
		default:
			t.Errorf("unexpected rpc method %s", method)
			return nil
		}
	})
	c := newTestClient(t, srv, pool, 137)

	hash, err := c.Swap(context.Background(), SwapParams{
		Pair:       "WETH-USDC",
		Side:       domain.TradeTypeSell,
		BaseAmount: d("1"),
		QuoteLimit: d("2400"),
		Deadline:   time.Unix(1_900_000_000, 0),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	raw, _ := rawTx.Load().(string)
	if raw == "" {
		t.Fatal("no transaction submitted")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(common.FromHex(raw)); err != nil {
		t.Fatalf("decode submitted tx: %v", err)
	}

	if tx.To() == nil || *tx.To() != pool.Router {
		t.Errorf("to = %v, want router %s", tx.To(), pool.Router)
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want pending nonce 7", tx.Nonce())
	}
	if tx.Gas() != 240_000 {
		t.Errorf("gas = %d, want padded estimate 240000", tx.Gas())
	}
	if tx.GasPrice().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("gas price = %s, want suggested 1 gwei", tx.GasPrice())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("value = %s, want 0", tx.Value())
	}
	if hash != tx.Hash() {
		t.Errorf("returned hash %s, submitted tx hashes to %s", hash, tx.Hash())
	}

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != c.signer.Address() {
		t.Errorf("sender = %s, want %s", from, c.signer.Address())
	}

	data := tx.Data()
	if !bytes.Equal(data[:4], selSwapExactIn) {
		t.Fatalf("selector = %x, want swapExactTokensForTokens", data[:4])
	}
	if in := new(big.Int).SetBytes(data[4:36]); in.Cmp(units(1, 18)) != 0 {
		t.Errorf("amountIn = %s, want 1 WETH raw", in)
	}
	if minOut := new(big.Int).SetBytes(data[36:68]); minOut.Cmp(units(2400, 6)) != 0 {
		t.Errorf("amountOutMin = %s, want 2400 USDC raw", minOut)
	}
	if rcpt := common.BytesToAddress(data[100:132]); rcpt != c.signer.Address() {
		t.Errorf("recipient = %s, want signer wallet", rcpt)
	}
	if deadline := new(big.Int).SetBytes(data[132:164]); deadline.Int64() != 1_900_000_000 {
		t.Errorf("deadline = %s, want 1900000000", deadline)
	}
	if n := new(big.Int).SetBytes(data[164:196]); n.Int64() != 2 {
		t.Fatalf("path length = %s, want 2", n)
	}
	hop0 := common.BytesToAddress(data[196:228])
	hop1 := common.BytesToAddress(data[228:260])
	if hop0 != pool.Base.Address || hop1 != pool.Quote.Address {
		t.Errorf("path = %s -> %s, want base -> quote", hop0, hop1)
	}
}

func TestSwapBuyUsesExactOut(t *testing.T) {
	pool := testPool()
	var rawTx atomic.Value
	srv := rpcServer(t, func(method string, params []json.RawMessage) any {
		switch method {
		case "eth_estimateGas":
			return "0x30d40"
		case "eth_gasPrice":
			return "0x3b9aca00"
		case "eth_getTransactionCount":
			return "0x0"
		case "eth_sendRawTransaction":
			var raw string
			if err := json.Unmarshal(params[0], &raw); err != nil {
				t.Errorf("decode raw tx param: %v", err)
			}
			rawTx.Store(raw)
			return common.Hash{}.Hex()
		default:
			t.Errorf("unexpected rpc method %s", method)
			return nil
		}
	})
	c := newTestClient(t, srv, pool, 137)

	_, err := c.Swap(context.Background(), SwapParams{
		Pair:       "WETH-USDC",
		Side:       domain.TradeTypeBuy,
		BaseAmount: d("1"),
		QuoteLimit: d("2600"),
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	raw, _ := rawTx.Load().(string)
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(common.FromHex(raw)); err != nil {
		t.Fatalf("decode submitted tx: %v", err)
	}

	data := tx.Data()
	if !bytes.Equal(data[:4], selSwapExactOut) {
		t.Fatalf("selector = %x, want swapTokensForExactTokens", data[:4])
	}
	if out := new(big.Int).SetBytes(data[4:36]); out.Cmp(units(1, 18)) != 0 {
		t.Errorf("amountOut = %s, want 1 WETH raw", out)
	}
	if maxIn := new(big.Int).SetBytes(data[36:68]); maxIn.Cmp(units(2600, 6)) != 0 {
		t.Errorf("amountInMax = %s, want 2600 USDC raw", maxIn)
	}
	hop0 := common.BytesToAddress(data[196:228])
	hop1 := common.BytesToAddress(data[228:260])
	if hop0 != pool.Quote.Address || hop1 != pool.Base.Address {
		t.Errorf("path = %s -> %s, want quote -> base", hop0, hop1)
	}
}

func TestSwapBuyRequiresQuoteLimit(t *testing.T) {
	srv := rpcServer(t, func(method string, _ []json.RawMessage) any {
		t.Errorf("unexpected rpc call %s", method)
		return nil
	})
	c := newTestClient(t, srv, testPool(), 137)

	_, err := c.Swap(context.Background(), SwapParams{
		Pair:       "WETH-USDC",
		Side:       domain.TradeTypeBuy,
		BaseAmount: d("1"),
	})
	if err == nil {
		t.Fatal("buy without a quote limit accepted")
	}
}

func TestTokenBalanceReadsSignerWallet(t *testing.T) {
	pool := testPool()
	srv := rpcServer(t, func(method string, params []json.RawMessage) any {
		if method != "eth_call" {
			t.Errorf("unexpected rpc method %s", method)
			return nil
		}
		call := decodeCall(t, params[0])
		if !strings.EqualFold(call.To, pool.Quote.Address.Hex()) {
			t.Errorf("call to %s, want quote token %s", call.To, pool.Quote.Address)
		}
		if !strings.HasPrefix(call.Input, "0x"+hex.EncodeToString(selBalanceOf)) {
			t.Errorf("input %s does not start with balanceOf selector", call.Input)
		}
		return packWords(units(100, 6))
	})
	c := newTestClient(t, srv, pool, 137)

	bal, err := c.TokenBalance(context.Background(), pool.Quote)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if !bal.Equal(d("100")) {
		t.Errorf("balance = %s, want 100", bal)
	}
}

func TestVerifyChainRejectsMismatch(t *testing.T) {
	srv := rpcServer(t, func(method string, _ []json.RawMessage) any {
		if method != "eth_chainId" {
			t.Errorf("unexpected rpc method %s", method)
		}
		return "0x89" // 137
	})

	c := newTestClient(t, srv, testPool(), 137)
	if err := c.VerifyChain(context.Background()); err != nil {
		t.Errorf("matching chain rejected: %v", err)
	}

	wrong := newTestClient(t, srv, testPool(), 1)
	if err := wrong.VerifyChain(context.Background()); err == nil {
		t.Error("mismatched chain accepted")
	}
}

func TestWaitMinedPollsUntilReceipt(t *testing.T) {
	hash := common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	var calls atomic.Int32
	srv := rpcServer(t, func(method string, _ []json.RawMessage) any {
		if method != "eth_getTransactionReceipt" {
			t.Errorf("unexpected rpc method %s", method)
			return nil
		}
		if calls.Add(1) == 1 {
			return nil // still pending
		}
		return map[string]any{
			"transactionHash":   hash.Hex(),
			"transactionIndex":  "0x0",
			"blockHash":         common.HexToHash("0x01").Hex(),
			"blockNumber":       "0x10",
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"contractAddress":   nil,
			"logs":              []any{},
			"logsBloom":         "0x" + strings.Repeat("00", 256),
			"status":            "0x1",
			"type":              "0x0",
			"effectiveGasPrice": "0x3b9aca00",
		}
	})
	c := newTestClient(t, srv, testPool(), 137)
	c.receiptPoll = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	receipt, err := c.WaitMined(ctx, hash)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Errorf("status = %d, want success", receipt.Status)
	}
	if receipt.BlockNumber.Cmp(big.NewInt(16)) != 0 {
		t.Errorf("block = %s, want 16", receipt.BlockNumber)
	}
	if got := calls.Load(); got < 2 {
		t.Errorf("receipt polled %d times, want at least 2", got)
	}
}
