package coingecko

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimplePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" {
			t.Errorf("path = %q, want /simple/price", r.URL.Path)
		}
		q := r.URL.Query()
		if !strings.Contains(q.Get("ids"), "bitcoin") {
			t.Errorf("ids = %q, want bitcoin included", q.Get("ids"))
		}
		if q.Get("vs_currencies") != "usd" {
			t.Errorf("vs_currencies = %q, want usd", q.Get("vs_currencies"))
		}
		if r.Header.Get("x-cg-pro-api-key") != "" {
			t.Error("api key header set without a configured key")
		}
		w.Write([]byte(`{"bitcoin":{"usd":65000.5},"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	prices, err := c.SimplePrices(context.Background(), []string{"bitcoin", "tether"}, "usd")
	if err != nil {
		t.Fatalf("SimplePrices: %v", err)
	}
	if prices["bitcoin"] != 65000.5 {
		t.Errorf("bitcoin = %v, want 65000.5", prices["bitcoin"])
	}
	if prices["tether"] != 1.0 {
		t.Errorf("tether = %v, want 1.0", prices["tether"])
	}
}

func TestSimplePricesSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-cg-pro-api-key"); got != "pro-key" {
			t.Errorf("api key header = %q, want pro-key", got)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "  pro-key  ")
	if _, err := c.SimplePrices(context.Background(), []string{"bitcoin"}, "usd"); err != nil {
		t.Fatalf("SimplePrices: %v", err)
	}
}

func TestSimplePricesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.SimplePrices(context.Background(), []string{"bitcoin"}, "usd")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestOracleRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":64000},"ethereum":{"usd":3200},"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	o := NewOracle(NewClient(srv.URL, ""), time.Minute, testLogger())
	ctx := context.Background()

	rate, err := o.Rate(ctx, "BTC", "USDT")
	if err != nil {
		t.Fatalf("Rate BTC/USDT: %v", err)
	}
	if rate != 64000 {
		t.Errorf("BTC/USDT = %v, want 64000", rate)
	}

	rate, err = o.Rate(ctx, "BTC", "ETH")
	if err != nil {
		t.Fatalf("Rate BTC/ETH: %v", err)
	}
	if rate != 20 {
		t.Errorf("BTC/ETH = %v, want 20", rate)
	}

	// Lowercase input and same-asset identity.
	rate, err = o.Rate(ctx, "usdt", "USDT")
	if err != nil {
		t.Fatalf("Rate USDT/USDT: %v", err)
	}
	if rate != 1 {
		t.Errorf("USDT/USDT = %v, want 1", rate)
	}
}

func TestOracleCachesWithinTTL(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"bitcoin":{"usd":64000},"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	o := NewOracle(NewClient(srv.URL, ""), time.Hour, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.Rate(ctx, "BTC", "USDT"); err != nil {
			t.Fatalf("Rate call %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestOracleUnknownAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	o := NewOracle(NewClient(srv.URL, ""), time.Minute, testLogger())
	_, err := o.Rate(context.Background(), "ZZZ", "USDT")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOracleAddAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("ids"), "pepe") {
			t.Errorf("ids = %q, want pepe included", r.URL.Query().Get("ids"))
		}
		w.Write([]byte(`{"pepe":{"usd":0.00001},"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	o := NewOracle(NewClient(srv.URL, ""), time.Minute, testLogger())
	o.AddAsset("pepe", "pepe")

	rate, err := o.Rate(context.Background(), "PEPE", "USDT")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if rate != 0.00001 {
		t.Errorf("PEPE/USDT = %v, want 0.00001", rate)
	}
}

func TestOracleServesStaleOnRefreshError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"bitcoin":{"usd":64000},"tether":{"usd":1.0}}`))
	}))
	defer srv.Close()

	// Nanosecond TTL forces a refresh attempt on every call.
	o := NewOracle(NewClient(srv.URL, ""), time.Nanosecond, testLogger())
	ctx := context.Background()

	if _, err := o.Rate(ctx, "BTC", "USDT"); err != nil {
		t.Fatalf("first Rate: %v", err)
	}
	rate, err := o.Rate(ctx, "BTC", "USDT")
	if err != nil {
		t.Fatalf("second Rate: %v", err)
	}
	if rate != 64000 {
		t.Errorf("stale rate = %v, want 64000", rate)
	}
	if calls.Load() < 2 {
		t.Errorf("upstream calls = %d, want at least 2", calls.Load())
	}
}
