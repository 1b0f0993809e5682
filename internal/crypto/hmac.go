package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// BinanceAuth holds the credentials for signed Binance REST requests.
type BinanceAuth struct {
	Key    string // API key
	Secret string // API secret, raw ASCII
}

// Headers returns the HTTP headers for an authenticated Binance request.
//
// Returned header keys:
//   - X-MBX-APIKEY
func (a *BinanceAuth) Headers() map[string]string {
	return map[string]string{"X-MBX-APIKEY": a.Key}
}

// SignQuery appends the timestamp and signature parameters to an encoded
// query string. The signature is HMAC-SHA256(secret, query) in lowercase
// hex and must cover every other parameter, so callers add parameters
// first and sign last.
func (a *BinanceAuth) SignQuery(query string) string {
	return a.SignQueryAt(query, time.Now())
}

// SignQueryAt is like SignQuery but lets the caller supply the timestamp
// (useful for deterministic testing).
func (a *BinanceAuth) SignQueryAt(query string, at time.Time) string {
	q := query
	if q != "" {
		q += "&"
	}
	q += "timestamp=" + strconv.FormatInt(at.UnixMilli(), 10)
	return q + "&signature=" + hmacSHA256Hex([]byte(a.Secret), q)
}

// String returns a redacted representation suitable for logging.
func (a *BinanceAuth) String() string {
	return fmt.Sprintf("BinanceAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

// KucoinAuth holds the credentials for signed KuCoin REST requests.
type KucoinAuth struct {
	Key        string // API key
	Secret     string // API secret
	Passphrase string // API passphrase, as entered at key creation
	Version    string // key version; "2" when empty
}

// Headers returns the HTTP headers for an authenticated KuCoin request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64; for version 2 keys the passphrase is itself HMAC-signed.
//
// Returned header keys:
//   - KC-API-KEY
//   - KC-API-SIGN
//   - KC-API-TIMESTAMP
//   - KC-API-PASSPHRASE
//   - KC-API-KEY-VERSION
func (a *KucoinAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now())
}

// HeadersAt is like Headers but lets the caller supply the timestamp
// (useful for deterministic testing).
func (a *KucoinAuth) HeadersAt(method, path, body string, at time.Time) map[string]string {
	ts := strconv.FormatInt(at.UnixMilli(), 10)

	message := ts + method + path + body
	sig := hmacSHA256Base64([]byte(a.Secret), message)

	version := a.Version
	if version == "" {
		version = "2"
	}
	passphrase := a.Passphrase
	if version != "1" {
		passphrase = hmacSHA256Base64([]byte(a.Secret), a.Passphrase)
	}

	return map[string]string{
		"KC-API-KEY":         a.Key,
		"KC-API-SIGN":        sig,
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  passphrase,
		"KC-API-KEY-VERSION": version,
	}
}

// String returns a redacted representation suitable for logging.
func (a *KucoinAuth) String() string {
	return fmt.Sprintf("KucoinAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as a lowercase hex string.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
