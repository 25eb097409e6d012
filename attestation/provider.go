package attestation

import (
	"fmt"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Provider combines a quote source and a signer into an AttestationProvider.
type Provider struct {
	quotes QuoteProvider
	signer Signer
}

func NewProvider(quotes QuoteProvider, signer Signer) *Provider {
	return &Provider{quotes: quotes, signer: signer}
}

// New builds a Provider from the quote provider and signer names.
func New(quoteProvider, remoteAddr, signer string) (*Provider, error) {
	qp, err := NewQuoteProvider(quoteProvider, remoteAddr)
	if err != nil {
		return nil, err
	}
	s, err := NewSigner(signer)
	if err != nil {
		return nil, err
	}
	return NewProvider(qp, s), nil
}

// Quote zero-pads reportData to 64 bytes.
func (p *Provider) Quote(reportData []byte) ([]byte, error) {
	if len(reportData) > 64 {
		return nil, fmt.Errorf("report data is %d bytes, at most 64 allowed", len(reportData))
	}
	var rd [64]byte
	copy(rd[:], reportData)
	return p.quotes.GetQuote(rd)
}

func (p *Provider) Sign(content []byte) ([]byte, error) {
	return p.signer.Sign(content)
}

func (p *Provider) SignerID() []byte {
	return p.signer.ID()
}

var _ interfaces.AttestationProvider = (*Provider)(nil)
