package kms

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

var (
	ErrUnknownAdmin     = errors.New("unregistered admin public key")
	ErrInvalidSignature = errors.New("invalid share signature")
	ErrAlreadyUnlocked  = errors.New("seed already recovered")
)

// ShamirConfig describes how the master seed is split between administrators.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to recover the seed.
	Threshold int
	// AdminPubKeys lists the administrators, one share each.
	AdminPubKeys []ed25519.PublicKey
}

func (c ShamirConfig) validate() error {
	if c.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if len(c.AdminPubKeys) < c.Threshold {
		return errors.New("total shares must be at least equal to threshold")
	}
	for i, pk := range c.AdminPubKeys {
		if len(pk) != ed25519.PublicKeySize {
			return fmt.Errorf("admin key %d: invalid ed25519 public key", i)
		}
	}
	return nil
}

// SplitSeed splits seed into one share per administrator, in AdminPubKeys order.
func SplitSeed(seed []byte, cfg ShamirConfig) ([][]byte, error) {
	if len(seed) < 32 {
		return nil, ErrSeedTooShort
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	shares, err := shamir.Split(seed, len(cfg.AdminPubKeys), cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split seed: %w", err)
	}
	return shares, nil
}

// SignShare signs a share with an administrator key for SubmitShare.
func SignShare(share []byte, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, share)
}

// SeedRecovery collects admin-signed shares until the seed can be recombined.
type SeedRecovery struct {
	mu        sync.Mutex
	threshold int
	admins    map[string]ed25519.PublicKey
	received  map[string][]byte
	seed      []byte
}

func NewSeedRecovery(cfg ShamirConfig) (*SeedRecovery, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &SeedRecovery{
		threshold: cfg.Threshold,
		admins:    make(map[string]ed25519.PublicKey, len(cfg.AdminPubKeys)),
		received:  make(map[string][]byte),
	}
	for _, pk := range cfg.AdminPubKeys {
		r.admins[hex.EncodeToString(pk)] = pk
	}
	return r, nil
}

// SubmitShare records a share signed by admin. A repeated submission from the
// same admin replaces the earlier one. Once the threshold is reached the seed
// is recombined and the collected shares are wiped.
func (r *SeedRecovery) SubmitShare(share, signature []byte, admin ed25519.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seed != nil {
		return ErrAlreadyUnlocked
	}

	id := hex.EncodeToString(admin)
	pk, found := r.admins[id]
	if !found {
		return ErrUnknownAdmin
	}
	if !ed25519.Verify(pk, share, signature) {
		return ErrInvalidSignature
	}
	r.received[id] = append([]byte(nil), share...)

	if len(r.received) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.received))
	for _, s := range r.received {
		shares = append(shares, s)
	}
	seed, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to recover seed: %w", err)
	}

	r.seed = seed
	for id, s := range r.received {
		wipeBytes(s)
		delete(r.received, id)
	}
	return nil
}

// Seed returns the recovered seed, or false while below threshold.
func (r *SeedRecovery) Seed() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seed == nil {
		return nil, false
	}
	return append([]byte(nil), r.seed...), true
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
