// Package identity holds the broker's long-lived signing key and derives
// ephemeral session keys for clearing-network authentication.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/joelklabo/agentpay"
)

// Wallet wraps a secp256k1 key. The private key never leaves the struct;
// callers get signatures and the derived address only.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// FromPrivateKey creates a wallet from a hex-encoded private key, with or
// without the 0x prefix.
func FromPrivateKey(privateKeyHex string) (*Wallet, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, agentpay.NewError(agentpay.ErrCodeIdentityUnavailable,
			"no private key configured; set CLIENT_PRIVATE_KEY")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeIdentityUnavailable, "invalid private key: %v", err)
	}
	return &Wallet{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewEphemeral generates a fresh random keypair, used as the session key
// for one clearing-network authentication.
func NewEphemeral() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &Wallet{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the wallet's 20-byte account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// AddressHex returns the checksummed address string.
func (w *Wallet) AddressHex() string {
	return w.address.Hex()
}

// SignDigest signs a 32-byte digest and returns a 65-byte (r, s, v)
// signature with v adjusted to 27/28.
func (w *Wallet) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignMessage signs arbitrary bytes under the EIP-191 personal-message
// scheme ("\x19Ethereum Signed Message:\n<len>").
func (w *Wallet) SignMessage(message []byte) ([]byte, error) {
	return w.SignDigest(accounts.TextHash(message))
}

// SignTypedData signs EIP-712 typed data. The domain's chain id may be nil
// for off-chain-only domains such as the clearing auth challenge.
func (w *Wallet) SignTypedData(domain apitypes.TypedDataDomain, types apitypes.Types, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain:      domain,
		Message:     message,
	}
	if _, ok := typedData.Types["EIP712Domain"]; !ok {
		typedData.Types["EIP712Domain"] = domainFields(domain)
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	// EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, dataHash...)
	return w.SignDigest(crypto.Keccak256(raw))
}

// domainFields builds the EIP712Domain type for the fields actually set,
// so minimal domains (name only) hash the way other implementations do.
func domainFields(domain apitypes.TypedDataDomain) []apitypes.Type {
	fields := []apitypes.Type{}
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return fields
}

// RecoverMessageSigner recovers the address that produced an EIP-191
// signature over message.
func RecoverMessageSigner(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), cp)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ChainID wraps a chain id for use in an EIP-712 domain.
func ChainID(id int64) *math.HexOrDecimal256 {
	return (*math.HexOrDecimal256)(big.NewInt(id))
}
