package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Auth(address address,uint256 timestamp,uint256 nonce)
	authTypeHash = ethcrypto.Keccak256(
		[]byte("Auth(address address,uint256 timestamp,uint256 nonce)"),
	)

	// Order(uint256 salt,address trader,bytes32 productId,uint8 side,uint256 quantity,uint256 price,uint256 expiration,uint256 nonce)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address trader,bytes32 productId,uint8 side,uint256 quantity,uint256 price,uint256 expiration,uint256 nonce)"),
	)
)

// OrderPayload represents the fields of a venue limit order that must be
// signed via EIP-712. String types are used for large numbers to preserve
// precision across JSON boundaries.
type OrderPayload struct {
	Salt       string `json:"salt"`
	Trader     string `json:"trader"`
	ProductID  string `json:"productId"` // 0x-prefixed bytes32
	Side       int    `json:"side"`      // 0 = BID, 1 = ASK
	Quantity   string `json:"quantity"`
	Price      string `json:"price"`
	Expiration string `json:"expiration"`
	Nonce      string `json:"nonce"`
}

// Signer provides EIP-712 signing for the resale venue API.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the target chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(pk.PublicKey)

	s := &Signer{
		privateKey: pk,
		address:    addr,
		chainID:    chainID,
	}

	// Pre-compute the domain separator shared by Auth and Order structs.
	s.domainSep = s.buildDomainSeparator("AFXVenue", "1", chainID)

	return s, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs an Auth EIP-712 message used to obtain an API key
// from the venue. The returned string is a hex-encoded signature with
// recovery byte (65 bytes total).
func (s *Signer) SignAuthMessage(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			authTypeHash,
			common.LeftPadBytes(s.address.Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(timestamp)),
			bigIntTo32Bytes(big.NewInt(nonce)),
		),
	)

	digest := eip712Hash(s.domainSep, structHash)
	return s.signDigest(digest)
}

// SignOrder signs an Order EIP-712 struct used to place resale limit
// orders on the venue. It returns a hex-encoded 65-byte signature.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}

	digest := eip712Hash(s.domainSep, structHash)
	return s.signDigest(digest)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func (s *Signer) buildDomainSeparator(name, version string, chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
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
func (s *Signer) signDigest(digest []byte) (string, error) {
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

// orderStructHash encodes and hashes an OrderPayload according to EIP-712.
func orderStructHash(o OrderPayload) ([]byte, error) {
	salt, ok := new(big.Int).SetString(o.Salt, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid salt %q", o.Salt)
	}
	quantity, ok := new(big.Int).SetString(o.Quantity, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid quantity %q", o.Quantity)
	}
	price, ok := new(big.Int).SetString(o.Price, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid price %q", o.Price)
	}
	expiration, ok := new(big.Int).SetString(o.Expiration, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid expiration %q", o.Expiration)
	}
	nonce, ok := new(big.Int).SetString(o.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("crypto/signer: invalid nonce %q", o.Nonce)
	}

	productID, err := hex.DecodeString(strings.TrimPrefix(o.ProductID, "0x"))
	if err != nil || len(productID) != 32 {
		return nil, fmt.Errorf("crypto/signer: invalid productId %q", o.ProductID)
	}

	trader := common.HexToAddress(o.Trader)

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			bigIntTo32Bytes(salt),
			common.LeftPadBytes(trader.Bytes(), 32),
			productID,
			bigIntTo32Bytes(big.NewInt(int64(o.Side))),
			bigIntTo32Bytes(quantity),
			bigIntTo32Bytes(price),
			bigIntTo32Bytes(expiration),
			bigIntTo32Bytes(nonce),
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
