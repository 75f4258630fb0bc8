package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/fiscalgw/adapter/internal/auth"
	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/fiscalize"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/kkt"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
	"github.com/fiscalgw/adapter/internal/syncworker"
)

type noopSink struct{}

func (noopSink) OnOpen()   {}
func (noopSink) OnClosed() {}

type noopAlerts struct{}

func (noopAlerts) Alert(severity, code, message string) {}

func newTestServer(t *testing.T, ofdURL string, authSvc *auth.Service) (*Server, *store.Store) {
	t.Helper()
	wall := clock.NewDefaultClock()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	cfg.Capacity = 5
	s, err := store.Open(cfg, wall)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cb := breaker.New(breaker.DefaultConfig(), wall, noopSink{}, nil)
	ofdClient := ofd.New(ofd.DefaultConfig(ofdURL), http.DefaultClient)
	svc := fiscalize.New(s, kkt.NewMockDriver(), hlc.New(wall), cb, ofdClient, noopAlerts{}, wall, 80, 100)
	worker := syncworker.New(syncworker.DefaultConfig(), s, cb, ofdClient, &syncworker.LocalLockFactory{}, wall, ticker.NewForce(time.Hour), nil)

	srv := New(svc, s, cb, worker, &syncworker.LocalLockFactory{}, authSvc)
	return srv, s
}

func TestSubmitReceiptRequiresIdempotencyKey(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/kkt/receipt", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, CodeInvalidRequest, env.ErrorCode)
}

func TestSubmitReceiptHappyPath(t *testing.T) {
	ofdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server_time":100,"ack_id":"a1"}`))
	}))
	defer ofdSrv.Close()

	srv, _ := newTestServer(t, ofdSrv.URL, nil)

	body := `{"pos_id":"POS-001","type":"sale","payload":{"total":1000}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/kkt/receipt", bytes.NewBufferString(body))
	req.Header.Set("Idempotency-Key", "k1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "printed", got["status"])
}

func TestSubmitReceiptBufferFullReturns503(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)

	for i := 0; i < 5; i++ {
		body := `{"pos_id":"POS-001","type":"sale","payload":{"total":1000}}`
		req := httptest.NewRequest(http.MethodPost, "/v1/kkt/receipt", bytes.NewBufferString(body))
		req.Header.Set("Idempotency-Key", "k"+string(rune('a'+i)))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	body := `{"pos_id":"POS-001","type":"sale","payload":{"total":1000}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/kkt/receipt", bytes.NewBufferString(body))
	req.Header.Set("Idempotency-Key", "koverflow")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, CodeBufferFull, env.ErrorCode)
}

func TestBufferStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/kkt/buffer/status", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status store.BufferStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, 5, status.Capacity)
}

func TestHealthEndpointIsCheap(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRefundCheckUnknownAntecedentAllowed(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)
	body := `{"original_fiscal_doc_id":"does-not-exist"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/pos/refund", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, true, got["allowed"])
}

// Admin endpoints reject requests without a Macaroon header once auth is
// configured.
func TestAdminEndpointRequiresMacaroon(t *testing.T) {
	wall := clock.NewDefaultClock()
	keys, err := auth.NewRootKeyStorage(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	defer keys.Close()
	require.NoError(t, keys.CreateUnlock([]byte("pw")))
	authSvc := auth.NewService(keys, wall)

	srv, _ := newTestServer(t, "http://127.0.0.1:1", authSvc)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dlq", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

// A valid token carrying the dlq:read capability is accepted.
func TestAdminEndpointAcceptsValidMacaroon(t *testing.T) {
	wall := clock.NewDefaultClock()
	keys, err := auth.NewRootKeyStorage(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	defer keys.Close()
	require.NoError(t, keys.CreateUnlock([]byte("pw")))
	authSvc := auth.NewService(keys, wall)

	token, err := authSvc.MintToken(context.Background(), "op", []auth.Capability{auth.CapDLQRead}, time.Hour)
	require.NoError(t, err)

	srv, _ := newTestServer(t, "http://127.0.0.1:1", authSvc)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/dlq", nil)
	req.Header.Set("Macaroon", string(token))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

// The WebSocket stream pushes a status payload immediately on connect.
func TestBufferStatusStreamPushesOnConnect(t *testing.T) {
	srv, _ := newTestServer(t, "http://127.0.0.1:1", nil)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/v1/kkt/buffer/status/stream"
	u, err := url.Parse(wsURL)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status store.BufferStatus
	require.NoError(t, conn.ReadJSON(&status))
	require.Equal(t, 5, status.Capacity)
}
