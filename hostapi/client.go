package hostapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// Client is the guest side of the host API.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

func NewClient(url string) *Client {
	return &Client{URL: url, HTTPClient: http.DefaultClient}
}

// GetSealingKey sends quote to the broker and returns the sealed key with the
// provider's quote and signature.
func (c *Client) GetSealingKey(ctx context.Context, quote []byte) (interfaces.SealingKeyResponse, error) {
	var resp sealingKeyResponse
	if err := c.post(ctx, "/api/GetSealingKey", sealingKeyRequest{Quote: hex.EncodeToString(quote)}, &resp); err != nil {
		return interfaces.SealingKeyResponse{}, err
	}

	var (
		out interfaces.SealingKeyResponse
		err error
	)
	if out.EncryptedKey, err = hex.DecodeString(resp.EncryptedKey); err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("could not decode encrypted key: %w", err)
	}
	if out.ProviderQuote, err = hex.DecodeString(resp.ProviderQuote); err != nil {
		return interfaces.SealingKeyResponse{}, fmt.Errorf("could not decode provider quote: %w", err)
	}
	if resp.Signature != "" {
		if out.Signature, err = hex.DecodeString(resp.Signature); err != nil {
			return interfaces.SealingKeyResponse{}, fmt.Errorf("could not decode signature: %w", err)
		}
	}
	return out, nil
}

func (c *Client) Notify(ctx context.Context, event, payload string) error {
	return c.post(ctx, "/api/Notify", notifyRequest{Event: event, Payload: payload}, nil)
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("could not parse %s response: %w", path, err)
	}
	return nil
}
