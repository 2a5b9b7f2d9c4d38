package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Venue transaction-type tags and order constants.
const (
	TxTypeCreateOrder     uint8 = 14
	TxTypeCancelAllOrders uint8 = 16

	OrderTypeMarket uint8 = 1
	TimeInForceIOC  uint8 = 0

	// IOC orders never rest, so they carry no expiry.
	DefaultIOCExpiry int64 = 0

	CancelAllTIFImmediate uint8 = 0
)

// NonceSource yields monotonically increasing nonces together with the
// API key slot they are valid for.
type NonceSource interface {
	Next() (apiKeyIndex uint8, nonce int64)
}

// wallClockNonce derives nonces from the wall clock in microseconds and
// bumps past duplicates so two calls in the same tick stay ordered.
type wallClockNonce struct {
	apiKeyIndex uint8
	mu          sync.Mutex
	last        int64
}

func (n *wallClockNonce) Next() (uint8, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nonce := time.Now().UnixMicro()
	if nonce <= n.last {
		nonce = n.last + 1
	}
	n.last = nonce
	return n.apiKeyIndex, nonce
}

// Signer turns order parameters into signed venue transactions. The key
// is a secp256k1 private key; payloads are hashed with keccak-256 and
// signed in [R || S || V] form.
type Signer struct {
	accountIndex int64
	key          *ecdsa.PrivateKey
	nonces       NonceSource
}

// New parses a hex private key and binds it to the account and API key slot.
func New(privateKeyHex string, accountIndex int64, apiKeyIndex uint8) (*Signer, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		accountIndex: accountIndex,
		key:          key,
		nonces:       &wallClockNonce{apiKeyIndex: apiKeyIndex},
	}, nil
}

// Check verifies the key material is usable before any order is placed.
func (s *Signer) Check() error {
	if s.key == nil {
		return fmt.Errorf("signer has no key")
	}
	if _, ok := s.key.Public().(*ecdsa.PublicKey); !ok {
		return fmt.Errorf("signer public key is not ECDSA")
	}
	return nil
}

// AccountIndex returns the account this signer places orders for.
func (s *Signer) AccountIndex() int64 {
	return s.accountIndex
}

// createOrderTx is the wire body of a create-order transaction. Sig is
// empty while the digest is computed and filled afterwards.
type createOrderTx struct {
	AccountIndex     int64  `json:"account_index"`
	APIKeyIndex      uint8  `json:"api_key_index"`
	MarketIndex      int64  `json:"market_index"`
	ClientOrderIndex int64  `json:"client_order_index"`
	BaseAmount       int64  `json:"base_amount"`
	Price            int64  `json:"price"`
	IsAsk            uint8  `json:"is_ask"`
	OrderType        uint8  `json:"type"`
	TimeInForce      uint8  `json:"time_in_force"`
	OrderExpiry      int64  `json:"order_expiry"`
	Nonce            int64  `json:"nonce"`
	Sig              string `json:"sig,omitempty"`
}

type cancelAllTx struct {
	AccountIndex int64  `json:"account_index"`
	APIKeyIndex  uint8  `json:"api_key_index"`
	TimeInForce  uint8  `json:"time_in_force"`
	Time         int64  `json:"time"`
	Nonce        int64  `json:"nonce"`
	Sig          string `json:"sig,omitempty"`
}

// OrderParams are the venue-facing parameters of one create-order tx.
type OrderParams struct {
	MarketIndex      int64
	ClientOrderIndex int64
	BaseAmount       int64
	Price            int64
	IsAsk            bool
	OrderType        uint8
	TimeInForce      uint8
	OrderExpiry      int64
}

// SignCreateOrder builds and signs a create-order transaction. It returns
// the transaction-type tag and the signed tx body ready for the sendtx
// envelope.
func (s *Signer) SignCreateOrder(p OrderParams) (uint8, json.RawMessage, error) {
	apiKeyIndex, nonce := s.nonces.Next()

	tx := createOrderTx{
		AccountIndex:     s.accountIndex,
		APIKeyIndex:      apiKeyIndex,
		MarketIndex:      p.MarketIndex,
		ClientOrderIndex: p.ClientOrderIndex,
		BaseAmount:       p.BaseAmount,
		Price:            p.Price,
		OrderType:        p.OrderType,
		TimeInForce:      p.TimeInForce,
		OrderExpiry:      p.OrderExpiry,
		Nonce:            nonce,
	}
	if p.IsAsk {
		tx.IsAsk = 1
	}

	signed, err := signPayload(s.key, &tx, func(sig string) { tx.Sig = sig })
	if err != nil {
		return 0, nil, fmt.Errorf("sign create order: %w", err)
	}
	return TxTypeCreateOrder, signed, nil
}

// SignCancelAll builds and signs a cancel-all-orders transaction used by
// the emergency cleanup path.
func (s *Signer) SignCancelAll(timeInForce uint8, timestampMs int64) (uint8, json.RawMessage, error) {
	apiKeyIndex, nonce := s.nonces.Next()

	tx := cancelAllTx{
		AccountIndex: s.accountIndex,
		APIKeyIndex:  apiKeyIndex,
		TimeInForce:  timeInForce,
		Time:         timestampMs,
		Nonce:        nonce,
	}

	signed, err := signPayload(s.key, &tx, func(sig string) { tx.Sig = sig })
	if err != nil {
		return 0, nil, fmt.Errorf("sign cancel all: %w", err)
	}
	return TxTypeCancelAllOrders, signed, nil
}

// signPayload hashes the sig-less JSON encoding of tx with keccak-256,
// signs the digest and re-encodes the body with the signature attached.
func signPayload(key *ecdsa.PrivateKey, tx interface{}, setSig func(string)) (json.RawMessage, error) {
	unsigned, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}

	digest := crypto.Keccak256(unsigned)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	setSig(hex.EncodeToString(sig))

	signed, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode signed tx: %w", err)
	}
	return signed, nil
}
