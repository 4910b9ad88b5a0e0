package payment

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	domainName    = "x402"
	domainVersion = "1"
	primaryType   = "Payment"
)

// Domain is the EIP-712 domain authorizations are signed under.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Message is the signed payment authorization.
type Message struct {
	ServiceURL    string
	Amount        *big.Int
	Token         common.Address
	Recipient     common.Address
	Description   string
	Timestamp     int64
	Nonce         [32]byte
	WalletAddress common.Address
}

var paymentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "serviceUrl", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "token", Type: "address"},
		{Name: "recipient", Type: "address"},
		{Name: "description", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
		{Name: "walletAddress", Type: "address"},
	},
}

// TypedData builds the EIP-712 document for m under d.
func TypedData(d Domain, m Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       paymentTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"serviceUrl":    m.ServiceURL,
			"amount":        m.Amount.String(),
			"token":         m.Token.Hex(),
			"recipient":     m.Recipient.Hex(),
			"description":   m.Description,
			"timestamp":     strconv.FormatInt(m.Timestamp, 10),
			"nonce":         hexutil.Encode(m.Nonce[:]),
			"walletAddress": m.WalletAddress.Hex(),
		},
	}
}

// Hash returns the EIP-712 signing hash of m under d.
func Hash(d Domain, m Message) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(d, m))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// Signer signs authorizations with the wallet key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  Domain
}

// NewSigner creates a signer for key under domain.
func NewSigner(key *ecdsa.PrivateKey, domain Domain) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain:  domain,
	}
}

// Address returns the wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the signing domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// Key returns the wallet private key.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// Sign returns a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *Signer) Sign(m Message) ([]byte, error) {
	hash, err := Hash(s.domain, m)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over m under d.
func RecoverSigner(d Domain, m Message, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	hash, err := Hash(d, m)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseKey parses a hex private key with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return key, nil
}
