package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)
	permitTypeHash = ethcrypto.Keccak256(
		[]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"),
	)
)

// PermitPayload represents an ERC-2612 permit to be signed via EIP-712,
// used for gasless token approvals ahead of router swaps. String types are
// used for large numbers to preserve precision across JSON boundaries.
type PermitPayload struct {
	TokenName         string `json:"tokenName"` // ERC-20 name(), part of the domain
	TokenVersion      string `json:"tokenVersion"`
	VerifyingContract string `json:"verifyingContract"` // token address
	Owner             string `json:"owner"`
	Spender           string `json:"spender"`
	Value             string `json:"value"`
	Nonce             string `json:"nonce"`
	Deadline          string `json:"deadline"`
}

// WalletSigner signs on-chain transactions and EIP-712 typed data for the
// gateway connector.
type WalletSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewWalletSigner creates a WalletSigner from a hex-encoded secp256k1
// private key and the target chain ID (1 for mainnet, 137 for Polygon).
func NewWalletSigner(privateKeyHex string, chainID int64) (*WalletSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &WalletSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *WalletSigner) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer targets.
func (s *WalletSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs a transaction with the latest signer for the configured
// chain, so both legacy and dynamic-fee transactions work.
func (s *WalletSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing tx: %w", err)
	}
	return signed, nil
}

// SignPermit signs an ERC-2612 Permit struct. It returns a hex-encoded
// 65-byte signature (r || s || v).
func (s *WalletSigner) SignPermit(p PermitPayload) (string, error) {
	domainSep := s.buildDomainSeparator(p.TokenName, p.TokenVersion, common.HexToAddress(p.VerifyingContract))

	structHash, err := permitStructHash(p)
	if err != nil {
		return "", err
	}

	digest := eip712Hash(domainSep, structHash)
	return s.signDigest(digest)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash,
// versionHash, chainId, verifyingContract)).
func (s *WalletSigner) buildDomainSeparator(name, version string, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(s.chainID),
			common.LeftPadBytes(verifying.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (s *WalletSigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// permitStructHash encodes and hashes a PermitPayload according to EIP-712.
func permitStructHash(p PermitPayload) ([]byte, error) {
	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid value %q", p.Value)
	}
	nonce, ok := new(big.Int).SetString(p.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid nonce %q", p.Nonce)
	}
	deadline, ok := new(big.Int).SetString(p.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid deadline %q", p.Deadline)
	}

	owner := common.HexToAddress(p.Owner)
	spender := common.HexToAddress(p.Spender)

	return ethcrypto.Keccak256(
		concatBytes(
			permitTypeHash,
			common.LeftPadBytes(owner.Bytes(), 32),
			common.LeftPadBytes(spender.Bytes(), 32),
			bigIntTo32Bytes(value),
			bigIntTo32Bytes(nonce),
			bigIntTo32Bytes(deadline),
		),
	), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
