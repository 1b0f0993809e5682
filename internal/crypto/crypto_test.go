package crypto

import (
	"encoding/base64"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// Vector from the Binance signed-endpoint documentation.
func TestBinanceSignQueryAt(t *testing.T) {
	auth := &BinanceAuth{
		Key:    "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	}
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000"
	at := time.UnixMilli(1499827319559)

	signed := auth.SignQueryAt(query, at)

	wantSig := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if !strings.HasSuffix(signed, "&signature="+wantSig) {
		t.Errorf("signed query = %q, want signature %s", signed, wantSig)
	}
	if !strings.Contains(signed, "&timestamp=1499827319559&") {
		t.Errorf("signed query %q missing timestamp before signature", signed)
	}
}

func TestBinanceHeaders(t *testing.T) {
	auth := &BinanceAuth{Key: "api-key", Secret: "api-secret"}
	h := auth.Headers()
	if h["X-MBX-APIKEY"] != "api-key" {
		t.Errorf("X-MBX-APIKEY = %q", h["X-MBX-APIKEY"])
	}
}

func TestKucoinHeadersAt(t *testing.T) {
	auth := &KucoinAuth{
		Key:        "key-1",
		Secret:     "secret-1",
		Passphrase: "passphrase-1",
	}
	at := time.UnixMilli(1700000000000)

	h := auth.HeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, at)

	for _, k := range []string{"KC-API-KEY", "KC-API-SIGN", "KC-API-TIMESTAMP", "KC-API-PASSPHRASE", "KC-API-KEY-VERSION"} {
		if h[k] == "" {
			t.Errorf("header %s missing", k)
		}
	}
	if h["KC-API-TIMESTAMP"] != "1700000000000" {
		t.Errorf("timestamp = %q", h["KC-API-TIMESTAMP"])
	}
	if h["KC-API-KEY-VERSION"] != "2" {
		t.Errorf("version = %q, want 2", h["KC-API-KEY-VERSION"])
	}
	// Version 2 keys sign the passphrase.
	if h["KC-API-PASSPHRASE"] == auth.Passphrase {
		t.Error("v2 passphrase sent in the clear")
	}
	sig, err := base64.StdEncoding.DecodeString(h["KC-API-SIGN"])
	if err != nil || len(sig) != 32 {
		t.Errorf("signature %q is not base64 HMAC-SHA256", h["KC-API-SIGN"])
	}

	// Same inputs sign identically; a different body does not.
	again := auth.HeadersAt("POST", "/api/v1/orders", `{"side":"buy"}`, at)
	if again["KC-API-SIGN"] != h["KC-API-SIGN"] {
		t.Error("signature not deterministic")
	}
	other := auth.HeadersAt("POST", "/api/v1/orders", `{"side":"sell"}`, at)
	if other["KC-API-SIGN"] == h["KC-API-SIGN"] {
		t.Error("signature ignores the body")
	}
}

func TestKucoinV1PassphraseUnsigned(t *testing.T) {
	auth := &KucoinAuth{Key: "k", Secret: "s", Passphrase: "p", Version: "1"}
	h := auth.HeadersAt("GET", "/api/v1/accounts", "", time.UnixMilli(1))
	if h["KC-API-PASSPHRASE"] != "p" {
		t.Errorf("v1 passphrase = %q, want raw", h["KC-API-PASSPHRASE"])
	}
}

func TestAuthStringRedacts(t *testing.T) {
	b := &BinanceAuth{Key: "verysecretkey", Secret: "verysecretsecret"}
	if s := b.String(); strings.Contains(s, "secretkey") || strings.Contains(s, "secretsecret") {
		t.Errorf("String leaked credentials: %s", s)
	}
	k := &KucoinAuth{Key: "verysecretkey", Secret: "verysecretsecret"}
	if s := k.String(); strings.Contains(s, "secretkey") {
		t.Errorf("String leaked credentials: %s", s)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	plain := []byte(`{"hello":"world"}`)

	blob, err := Seal(plain, "hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(blob, "hunter2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plain) {
		t.Errorf("round trip = %q, want %q", got, plain)
	}

	if _, err := Open(blob, "wrong"); err == nil {
		t.Error("open with wrong password succeeded")
	}
	if _, err := Seal(plain, ""); err == nil {
		t.Error("seal with empty password succeeded")
	}
}

func TestVaultSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v := Vault{
		Exchanges: map[string]Credentials{
			"binance": {Key: "bk", Secret: "bs"},
			"kucoin":  {Key: "kk", Secret: "ks", Passphrase: "kp"},
		},
	}

	if err := SaveVault(path, v, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadVault(path, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	creds, ok := got.Lookup("kucoin")
	if !ok || creds.Passphrase != "kp" {
		t.Errorf("kucoin creds = %+v, ok=%v", creds, ok)
	}
	if _, ok := got.Lookup("ghost"); ok {
		t.Error("lookup of unknown exchange succeeded")
	}
	if _, err := LoadVault(path, "wrong"); err == nil {
		t.Error("load with wrong password succeeded")
	}
}

func TestLoadWalletKeyRaw(t *testing.T) {
	key := "0x" + strings.Repeat("11", 32)
	got, err := LoadWalletKey(WalletConfig{RawPrivateKey: key})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != strings.Repeat("11", 32) {
		t.Errorf("key = %q, 0x prefix not stripped", got)
	}

	if _, err := LoadWalletKey(WalletConfig{RawPrivateKey: "nothex"}); err == nil {
		t.Error("invalid hex accepted")
	}
	if _, err := LoadWalletKey(WalletConfig{}); err == nil {
		t.Error("empty config accepted")
	}
}

// The secp256k1 key 0x...01 derives the well-known address
// 0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf.
func TestWalletSignerAddress(t *testing.T) {
	s, err := NewWalletSigner(strings.Repeat("0", 63)+"1", 1)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if got := s.Address().Hex(); got != "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" {
		t.Errorf("address = %s", got)
	}
}

func TestWalletSignerSignTx(t *testing.T) {
	s, err := NewWalletSigner(strings.Repeat("0", 63)+"1", 137)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	to := s.Address()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(137),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := s.SignTx(tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != s.Address() {
		t.Errorf("recovered sender = %s, want %s", from.Hex(), s.Address().Hex())
	}
}

func TestSignPermit(t *testing.T) {
	s, err := NewWalletSigner(strings.Repeat("0", 63)+"1", 1)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	sig, err := s.SignPermit(PermitPayload{
		TokenName:         "USD Coin",
		TokenVersion:      "2",
		VerifyingContract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Owner:             s.Address().Hex(),
		Spender:           "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
		Value:             "1000000",
		Nonce:             "0",
		Deadline:          "1893456000",
	})
	if err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 132 {
		t.Errorf("signature %q is not a 65-byte hex signature", sig)
	}

	if _, err := s.SignPermit(PermitPayload{Value: "not-a-number"}); err == nil {
		t.Error("invalid payload accepted")
	}
}
