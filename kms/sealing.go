package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const (
	SealingKeySize = 32

	sealingKeyInfo = "cvm-sealing-key-v1"
)

var ErrSeedTooShort = errors.New("master seed must be at least 32 bytes")

// SealingKMS issues measurement-bound sealing keys. It is a development key
// provider: the guest quote is parsed but never verified.
type SealingKMS struct {
	seed      []byte
	provider  interfaces.AttestationProvider
	inspector interfaces.QuoteInspector
	log       *slog.Logger
}

func NewSealingKMS(seed []byte, provider interfaces.AttestationProvider, inspector interfaces.QuoteInspector, log *slog.Logger) (*SealingKMS, error) {
	if len(seed) < 32 {
		return nil, ErrSeedTooShort
	}
	return &SealingKMS{
		seed:      append([]byte(nil), seed...),
		provider:  provider,
		inspector: inspector,
		log:       log,
	}, nil
}

// DeriveSealingKey derives the key for a TD identified by m. Equal
// measurements always yield the same key.
func (k *SealingKMS) DeriveSealingKey(m interfaces.Measurements) ([]byte, error) {
	info := []byte(sealingKeyInfo)
	info = append(info, m.MRTD...)
	for _, rtmr := range m.RTMRs {
		info = append(info, rtmr...)
	}

	key := make([]byte, SealingKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, k.seed, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// ResponseReportData is the report data the provider quote is bound to:
// sha256(encryptedKey) followed by the first 32 bytes of the signer identity.
func ResponseReportData(encryptedKey, signerID []byte) []byte {
	h := sha256.Sum256(encryptedKey)
	rd := make([]byte, 64)
	copy(rd, h[:])
	copy(rd[32:], signerID)
	return rd
}

// GetSealingKey seals the derived key to the X25519 public key carried in the
// first 32 bytes of the quote's report data.
func (k *SealingKMS) GetSealingKey(ctx context.Context, req interfaces.SealingKeyRequest) (interfaces.SealingKeyResponse, error) {
	m, reportData, err := k.inspector.Inspect(req.Quote)
	if err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("inspecting quote: %w", err)
	}

	var recipient [32]byte
	copy(recipient[:], reportData[:32])

	key, err := k.DeriveSealingKey(m)
	if err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("deriving sealing key: %w", err)
	}

	encryptedKey, err := box.SealAnonymous(nil, key, &recipient, rand.Reader)
	if err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("sealing key: %w", err)
	}

	providerQuote, err := k.provider.Quote(ResponseReportData(encryptedKey, k.provider.SignerID()))
	if err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("attesting response: %w", err)
	}

	signature, err := k.provider.Sign(encryptedKey)
	if err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("signing response: %w", err)
	}

	k.log.Info("Issued sealing key", "mrtd", fmt.Sprintf("%x", m.MRTD))
	return interfaces.SealingKeyResponse{EncryptedKey: encryptedKey, ProviderQuote: providerQuote, Signature: signature}, nil
}

var _ interfaces.KeyProvider = (*SealingKMS)(nil)
