// Package kms is a development key provider for confidential guests.
//
// SealingKMS derives a sealing key from a master seed and the measurements of
// the guest quote (MRTD and RTMR0..3) with HKDF-SHA256, and seals it to the
// X25519 public key the guest placed in the first 32 bytes of its report data
// using an anonymous NaCl box. The response is attested: the provider quote
// binds sha256(encrypted key) and the provider's signer identity.
//
// The master seed can be given directly or recovered from Shamir shares
// signed by administrators (SplitSeed, SeedRecovery).
//
// Quotes are not verified. This package must not be used where the key
// provider itself needs to trust the guest.
package kms
