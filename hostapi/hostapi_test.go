package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
	"github.com/ruteri/tdx-cvm-manager/keyprovider"
	"github.com/ruteri/tdx-cvm-manager/metrics"
	"github.com/ruteri/tdx-cvm-manager/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockKeyProvider struct {
	mock.Mock
}

func (m *MockKeyProvider) GetSealingKey(ctx context.Context, req interfaces.SealingKeyRequest) (interfaces.SealingKeyResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(interfaces.SealingKeyResponse), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, provider interfaces.KeyProvider) (*Server, *storage.InstanceDir) {
	dir := storage.NewInstanceDir(filepath.Join(t.TempDir(), "inst"), testLogger())
	require.NoError(t, dir.Create())

	srv := New(ServerConfig{
		InstanceDir:     dir.Path(),
		KeyProviderAddr: "127.0.0.1:3443",
		Log:             testLogger(),
		Metrics:         metrics.NewMetrics("test"),
	}, provider)
	return srv, dir
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestGetSealingKey(t *testing.T) {
	provider := new(MockKeyProvider)
	provider.On("GetSealingKey", mock.Anything, interfaces.SealingKeyRequest{Quote: []byte{0xca, 0xfe}}).
		Return(interfaces.SealingKeyResponse{EncryptedKey: []byte{0x01, 0x02}, ProviderQuote: []byte{0xff}}, nil)

	srv, _ := newTestServer(t, provider)
	rr := do(srv, http.MethodPost, "/api/GetSealingKey", `{"quote":"cafe"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"encrypted_key":"0102","provider_quote":"ff"}`, rr.Body.String())
	provider.AssertExpectations(t)
}

func TestGetSealingKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"oversized", fmt.Sprintf(`{"quote":"%s"}`, strings.Repeat("ab", DefaultMaxBodySize))},
		{"invalid json", `{"quote":`},
		{"invalid hex", `{"quote":"zz"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockKeyProvider)
			srv, _ := newTestServer(t, provider)

			rr := do(srv, http.MethodPost, "/api/GetSealingKey", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			provider.AssertNotCalled(t, "GetSealingKey", mock.Anything, mock.Anything)
		})
	}
}

func TestGetSealingKeyOversizedWithoutContentLength(t *testing.T) {
	provider := new(MockKeyProvider)
	srv, _ := newTestServer(t, provider)

	req := httptest.NewRequest(http.MethodPost, "/api/GetSealingKey",
		io.MultiReader(strings.NewReader(`{"quote":"`), strings.NewReader(strings.Repeat("00", DefaultMaxBodySize)), strings.NewReader(`"}`)))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	provider.AssertNotCalled(t, "GetSealingKey", mock.Anything, mock.Anything)
}

func TestGetSealingKeyProviderFailure(t *testing.T) {
	provider := new(MockKeyProvider)
	provider.On("GetSealingKey", mock.Anything, mock.Anything).
		Return(interfaces.SealingKeyResponse{}, fmt.Errorf("%w: connection refused", interfaces.ErrBrokerIO))

	srv, _ := newTestServer(t, provider)
	rr := do(srv, http.MethodPost, "/api/GetSealingKey", `{"quote":"00"}`)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "connection refused")
}

func TestNotify(t *testing.T) {
	srv, dir := newTestServer(t, new(MockKeyProvider))
	infoPath := filepath.Join(dir.SharedPath(), storage.InstanceInfoFile)

	rr := do(srv, http.MethodPost, "/api/Notify", `{"event":"instance.info","payload":"{\"app_id\":\"abc\"}"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", rr.Body.String())

	data, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Equal(t, `{"app_id":"abc"}`, string(data))

	rr = do(srv, http.MethodPost, "/api/Notify", `{"event":"boot.progress","payload":"ignored"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "null", rr.Body.String())

	data, err = os.ReadFile(infoPath)
	require.NoError(t, err)
	assert.Equal(t, `{"app_id":"abc"}`, string(data))
}

func TestUnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t, new(MockKeyProvider))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/api/GetSealingKey"},
		{http.MethodPost, "/api/Unknown"},
	} {
		rr := do(srv, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rr.Code, tc.path)
		assert.Equal(t, "null", rr.Body.String())
	}
}

func TestLifecycle(t *testing.T) {
	kpErr := errors.New("provider down")
	provider := new(MockKeyProvider)
	provider.On("GetSealingKey", mock.Anything, mock.Anything).Return(interfaces.SealingKeyResponse{}, kpErr)

	srv, _ := newTestServer(t, provider)
	assert.Equal(t, StateIdle, srv.State())
	assert.Equal(t, 5*time.Second, srv.ShutdownTimeout())

	port, err := srv.Start()
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Equal(t, StateListening, srv.State())

	_, err = srv.Start()
	assert.Error(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/api/Notify", port), "application/json", strings.NewReader(`{"event":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, srv.State())
}

// A key provider that hangs up mid length-prefix surfaces as a 502, never as
// an empty key.
func TestGetSealingKeyTruncatedProvider(t *testing.T) {
	client := keyprovider.NewClient(truncatingProvider(t), 5*time.Second)
	srv, _ := newTestServer(t, client)

	rr := do(srv, http.MethodPost, "/api/GetSealingKey", `{"quote":"00"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "encrypted_key")
}
