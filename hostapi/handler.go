package hostapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/metrics"
	"github.com/ruteri/tdx-cvm-manager/storage"
)

// EventInstanceInfo is the only Notify event with an effect.
const EventInstanceInfo = "instance.info"

type sealingKeyRequest struct {
	Quote string `json:"quote"`
}

type sealingKeyResponse struct {
	EncryptedKey  string `json:"encrypted_key"`
	ProviderQuote string `json:"provider_quote"`
	Signature     string `json:"signature,omitempty"`
}

type notifyRequest struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the guest-facing host API.
type Handler struct {
	provider    interfaces.KeyProvider
	instance    *storage.InstanceDir
	maxBodySize int64
	log         *slog.Logger
	metrics     *metrics.Metrics
}

func NewHandler(provider interfaces.KeyProvider, instance *storage.InstanceDir, maxBodySize int64, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		provider:    provider,
		instance:    instance,
		maxBodySize: maxBodySize,
		log:         log,
		metrics:     m,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/GetSealingKey", h.HandleGetSealingKey)
	r.Post("/api/Notify", h.HandleNotify)
}

// HandleGetSealingKey relays the guest quote to the key provider and returns
// the provider's answer hex-encoded.
//
// URL format: POST /api/GetSealingKey
// Request body: {"quote": "<hex>"}
// Response: {"encrypted_key": "<hex>", "provider_quote": "<hex>"}, plus
// "signature": "<hex>" when the key provider signs its responses.
func (h *Handler) HandleGetSealingKey(w http.ResponseWriter, r *http.Request) {
	var req sealingKeyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	quote, err := hex.DecodeString(req.Quote)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "quote is not valid hex"})
		return
	}

	resp, err := h.provider.GetSealingKey(r.Context(), interfaces.SealingKeyRequest{Quote: quote})
	if err != nil {
		h.log.Error("Key provider request failed", "err", err)
		h.metrics.ProviderFailure()
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	h.metrics.SealingKeyIssued()
	out := sealingKeyResponse{
		EncryptedKey:  hex.EncodeToString(resp.EncryptedKey),
		ProviderQuote: hex.EncodeToString(resp.ProviderQuote),
	}
	if len(resp.Signature) > 0 {
		out.Signature = hex.EncodeToString(resp.Signature)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleNotify records guest events. Only instance.info is persisted; every
// event is acknowledged with null.
//
// URL format: POST /api/Notify
// Request body: {"event": "...", "payload": "..."}
func (h *Handler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if req.Event == EventInstanceInfo {
		if err := h.instance.WriteInstanceInfo([]byte(req.Payload)); err != nil {
			h.log.Error("Failed to store instance info", "err", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store instance info"})
			return
		}
		h.log.Info("Stored instance info", "size", len(req.Payload))
	} else {
		h.log.Debug("Ignoring guest event", "event", req.Event)
	}

	writeNull(w, http.StatusOK)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength > h.maxBodySize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: interfaces.ErrBodyTooLarge.Error()})
		return false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: interfaces.ErrBodyTooLarge.Error()})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNull(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte("null"))
}
