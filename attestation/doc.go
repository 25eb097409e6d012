// Package attestation provides the attestation capability used by the local
// key provider: a quote source (DCAP, remote quote service or dummy) paired
// with a signing key (ed25519 or secp256k1), and a quote inspector that reads
// TD measurements without verifying the quote.
package attestation
