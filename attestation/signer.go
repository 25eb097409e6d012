package attestation

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownSigner = errors.New("unknown signer")

// Signer signs content with a long-lived key whose public identity is ID.
type Signer interface {
	Sign(content []byte) ([]byte, error)
	ID() []byte
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(key), nil
}

func (s *Ed25519Signer) Sign(content []byte) ([]byte, error) {
	return ed25519.Sign(s.key, content), nil
}

// ID is the 32-byte public key.
func (s *Ed25519Signer) ID() []byte {
	return []byte(s.key.Public().(ed25519.PublicKey))
}

// ECDSASigner signs EIP-191 personal messages with a secp256k1 key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

func GenerateECDSASigner() (*ECDSASigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewECDSASigner(key), nil
}

func (s *ECDSASigner) Sign(content []byte) ([]byte, error) {
	return crypto.Sign(accounts.TextHash(content), s.key)
}

// ID is the 20-byte Ethereum address of the key.
func (s *ECDSASigner) ID() []byte {
	return crypto.PubkeyToAddress(s.key.PublicKey).Bytes()
}

// NewSigner generates a fresh signer by name: "ed25519" or "ecdsa".
func NewSigner(name string) (Signer, error) {
	switch name {
	case "ed25519":
		return GenerateEd25519Signer()
	case "ecdsa":
		return GenerateECDSASigner()
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSigner, name)
}
