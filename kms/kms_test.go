package kms

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tdx-cvm-manager/attestation"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

type fakeInspector struct {
	m          interfaces.Measurements
	reportData [64]byte
	err        error
}

func (f *fakeInspector) Inspect(quote []byte) (interfaces.Measurements, [64]byte, error) {
	return f.m, f.reportData, f.err
}

type recordingQuoter struct {
	reportData [64]byte
}

func (q *recordingQuoter) GetQuote(reportData [64]byte) ([]byte, error) {
	q.reportData = reportData
	return []byte("provider-quote"), nil
}

func measurements(mrtd byte) interfaces.Measurements {
	m := interfaces.Measurements{MRTD: bytes.Repeat([]byte{mrtd}, 48)}
	for i := range m.RTMRs {
		m.RTMRs[i] = bytes.Repeat([]byte{byte(i)}, 48)
	}
	return m
}

func testSeed() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func newTestKMS(t *testing.T, inspector interfaces.QuoteInspector, quoter attestation.QuoteProvider) (*SealingKMS, *attestation.Ed25519Signer) {
	signer, err := attestation.GenerateEd25519Signer()
	require.NoError(t, err)
	k, err := NewSealingKMS(testSeed(), attestation.NewProvider(quoter, signer), inspector, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return k, signer
}

func TestNewSealingKMSRejectsShortSeed(t *testing.T) {
	_, err := NewSealingKMS(make([]byte, 16), nil, nil, nil)
	assert.ErrorIs(t, err, ErrSeedTooShort)
}

func TestDeriveSealingKey(t *testing.T) {
	k, _ := newTestKMS(t, &fakeInspector{}, attestation.DummyQuoteProvider{})

	a1, err := k.DeriveSealingKey(measurements(1))
	require.NoError(t, err)
	a2, err := k.DeriveSealingKey(measurements(1))
	require.NoError(t, err)
	b, err := k.DeriveSealingKey(measurements(2))
	require.NoError(t, err)

	assert.Len(t, a1, SealingKeySize)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	m := measurements(1)
	m.RTMRs[3] = bytes.Repeat([]byte{0xff}, 48)
	c, err := k.DeriveSealingKey(m)
	require.NoError(t, err)
	assert.NotEqual(t, a1, c)
}

func TestGetSealingKey(t *testing.T) {
	guestPub, guestPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	inspector := &fakeInspector{m: measurements(1)}
	copy(inspector.reportData[:32], guestPub[:])
	quoter := &recordingQuoter{}
	k, signer := newTestKMS(t, inspector, quoter)

	resp, err := k.GetSealingKey(context.Background(), interfaces.SealingKeyRequest{Quote: []byte("guest-quote")})
	require.NoError(t, err)
	assert.Equal(t, interfaces.ByteArray("provider-quote"), resp.ProviderQuote)

	key, ok := box.OpenAnonymous(nil, resp.EncryptedKey, guestPub, guestPriv)
	require.True(t, ok)
	expected, err := k.DeriveSealingKey(measurements(1))
	require.NoError(t, err)
	assert.Equal(t, expected, key)

	assert.Equal(t, ResponseReportData(resp.EncryptedKey, signer.ID()), quoter.reportData[:])
	assert.Equal(t, []byte(signer.ID()), quoter.reportData[32:])
	assert.True(t, ed25519.Verify(ed25519.PublicKey(signer.ID()), resp.EncryptedKey, resp.Signature))
}

func TestGetSealingKeyInspectFailure(t *testing.T) {
	k, _ := newTestKMS(t, &fakeInspector{err: errors.New("bad quote")}, attestation.DummyQuoteProvider{})
	_, err := k.GetSealingKey(context.Background(), interfaces.SealingKeyRequest{Quote: []byte("x")})
	assert.ErrorContains(t, err, "bad quote")
}

type admin struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newAdmins(t *testing.T, n int) ([]admin, []ed25519.PublicKey) {
	admins := make([]admin, n)
	pubs := make([]ed25519.PublicKey, n)
	for i := range admins {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		admins[i] = admin{pub: pub, priv: priv}
		pubs[i] = pub
	}
	return admins, pubs
}

func TestSplitSeedValidation(t *testing.T) {
	_, pubs := newAdmins(t, 3)

	_, err := SplitSeed(testSeed(), ShamirConfig{Threshold: 4, AdminPubKeys: pubs})
	assert.Error(t, err)
	_, err = SplitSeed(testSeed(), ShamirConfig{Threshold: 1, AdminPubKeys: pubs})
	assert.Error(t, err)
	_, err = SplitSeed(make([]byte, 8), ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	assert.ErrorIs(t, err, ErrSeedTooShort)
}

func TestSeedRecovery(t *testing.T) {
	admins, pubs := newAdmins(t, 5)
	cfg := ShamirConfig{Threshold: 3, AdminPubKeys: pubs}

	shares, err := SplitSeed(testSeed(), cfg)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	r, err := NewSeedRecovery(cfg)
	require.NoError(t, err)

	outsider, _ := newAdmins(t, 1)
	err = r.SubmitShare(shares[0], SignShare(shares[0], outsider[0].priv), outsider[0].pub)
	assert.ErrorIs(t, err, ErrUnknownAdmin)

	err = r.SubmitShare(shares[0], SignShare(shares[1], admins[0].priv), admins[0].pub)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.SubmitShare(shares[i], SignShare(shares[i], admins[i].priv), admins[i].pub))
		_, ok := r.Seed()
		assert.False(t, ok)
	}

	// A resubmission does not count twice.
	require.NoError(t, r.SubmitShare(shares[1], SignShare(shares[1], admins[1].priv), admins[1].pub))
	_, ok := r.Seed()
	assert.False(t, ok)

	require.NoError(t, r.SubmitShare(shares[4], SignShare(shares[4], admins[4].priv), admins[4].pub))
	seed, ok := r.Seed()
	require.True(t, ok)
	assert.Equal(t, testSeed(), seed)

	err = r.SubmitShare(shares[2], SignShare(shares[2], admins[2].priv), admins[2].pub)
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
}
