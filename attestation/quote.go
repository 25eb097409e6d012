package attestation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_client "github.com/google/go-tdx-guest/client"
)

var ErrUnknownProvider = errors.New("unknown attestation provider")

// QuoteProvider produces a TDX quote over 64 bytes of report data.
type QuoteProvider interface {
	GetQuote(reportData [64]byte) ([]byte, error)
}

// DCAPQuoteProvider quotes through the local TDX guest, preferring configfs-tsm
// and falling back to the legacy device.
type DCAPQuoteProvider struct{}

func (DCAPQuoteProvider) GetQuote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteQuoteProvider asks a quote service at Address for a quote with
// GET <Address>/attest/<hex report data>.
type RemoteQuoteProvider struct {
	Address string
	Client  *http.Client
}

func NewRemoteQuoteProvider(address string) *RemoteQuoteProvider {
	return &RemoteQuoteProvider{Address: address, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *RemoteQuoteProvider) GetQuote(reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DummyQuoteProvider returns a recognisable non-quote for hosts without TDX.
type DummyQuoteProvider struct{}

func (DummyQuoteProvider) GetQuote(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy quote %x", reportData)), nil
}

// NewQuoteProvider selects a provider by name: "dcap", "remote" or "dummy".
func NewQuoteProvider(name, remoteAddr string) (QuoteProvider, error) {
	switch name {
	case "dcap":
		return DCAPQuoteProvider{}, nil
	case "remote":
		if remoteAddr == "" {
			return nil, errors.New("remote attestation requires an address")
		}
		return NewRemoteQuoteProvider(remoteAddr), nil
	case "dummy":
		return DummyQuoteProvider{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}
