package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
)

// ByteArray is a byte slice that encodes to JSON as an array of integers
// (0..255) rather than base64, which is what the key-provider protocol expects.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// SealingKeyRequest is the body sent to the key provider.
type SealingKeyRequest struct {
	Quote ByteArray `json:"quote"`
}

// SealingKeyResponse is the body returned by the key provider. Signature,
// when present, is the provider's signature over EncryptedKey.
type SealingKeyResponse struct {
	EncryptedKey  ByteArray `json:"encrypted_key"`
	ProviderQuote ByteArray `json:"provider_quote"`
	Signature     ByteArray `json:"signature,omitempty"`
}

// KeyProvider exchanges a guest quote for a sealed key.
type KeyProvider interface {
	GetSealingKey(ctx context.Context, req SealingKeyRequest) (SealingKeyResponse, error)
}
