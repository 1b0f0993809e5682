// Package crypto provides the encrypted credential vault, exchange request
// signing, and wallet key handling for the trading engine.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-blob JSON schema version.
	currentVersion = 1
)

// encryptedBlobJSON is the on-disk format for encrypted secrets.
type encryptedBlobJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Credentials holds one venue's API credentials. Passphrase stays empty for
// venues that do not use one.
type Credentials struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Vault maps exchange names to their API credentials, plus the optional
// hex-encoded wallet key used for on-chain swaps.
type Vault struct {
	Exchanges map[string]Credentials `json:"exchanges"`
	WalletKey string                 `json:"wallet_key,omitempty"`
}

// Lookup returns the credentials stored for an exchange.
func (v *Vault) Lookup(exchange string) (Credentials, bool) {
	c, ok := v.Exchanges[exchange]
	return c, ok
}

// Seal encrypts an arbitrary payload with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated
// encryption. It returns the JSON blob suitable for writing to disk.
func Seal(plaintext []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := encryptedBlobJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// Open decrypts a JSON blob produced by Seal.
func Open(encryptedJSON []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	var stored encryptedBlobJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing encrypted blob JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	return plaintext, nil
}

// SaveVault encrypts the vault with the password and writes it to path with
// owner-only permissions.
func SaveVault(path string, v Vault, password string) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crypto: encoding vault: %w", err)
	}
	blob, err := Seal(plain, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: writing vault file: %w", err)
	}
	return nil
}

// LoadVault reads and decrypts a vault written by SaveVault.
func LoadVault(path string, password string) (Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vault{}, fmt.Errorf("crypto: reading vault file: %w", err)
	}
	plain, err := Open(data, password)
	if err != nil {
		return Vault{}, err
	}
	var v Vault
	if err := json.Unmarshal(plain, &v); err != nil {
		return Vault{}, fmt.Errorf("crypto: parsing vault JSON: %w", err)
	}
	if v.Exchanges == nil {
		v.Exchanges = make(map[string]Credentials)
	}
	return v, nil
}

// WalletConfig carries the information LoadWalletKey needs to resolve the
// on-chain signing key. Populate the fields from environment variables or a
// config file.
type WalletConfig struct {
	// RawPrivateKey is the hex-encoded private key (with or without 0x prefix).
	// If non-empty, LoadWalletKey returns it directly.
	RawPrivateKey string

	// VaultPath is the path to a vault file whose WalletKey field holds the
	// encrypted key.
	VaultPath string

	// VaultPassword decrypts the file at VaultPath.
	VaultPassword string
}

// LoadWalletKey resolves the wallet private key from the provided
// configuration.
//
// Resolution order:
//  1. If RawPrivateKey is set, return it (stripping 0x prefix).
//  2. If VaultPath is set, decrypt the vault and return its WalletKey.
//  3. Otherwise, return an error.
func LoadWalletKey(cfg WalletConfig) (string, error) {
	// 1. Raw key takes precedence.
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if err := validateKeyHex(k); err != nil {
			return "", err
		}
		return k, nil
	}

	// 2. Vault file.
	if cfg.VaultPath != "" {
		v, err := LoadVault(cfg.VaultPath, cfg.VaultPassword)
		if err != nil {
			return "", err
		}
		if v.WalletKey == "" {
			return "", errors.New("crypto: vault has no wallet key")
		}
		k := strings.TrimPrefix(v.WalletKey, "0x")
		if err := validateKeyHex(k); err != nil {
			return "", err
		}
		return k, nil
	}

	return "", errors.New("crypto: no wallet key source configured (set RawPrivateKey or VaultPath)")
}

func validateKeyHex(keyHex string) error {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(keyBytes))
	}
	return nil
}
