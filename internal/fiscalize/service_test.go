package fiscalize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/kkt"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
)

type noopAlerts struct{ alerts []string }

func (n *noopAlerts) Alert(severity, code, message string) {
	n.alerts = append(n.alerts, severity+":"+code)
}

func newTestService(t *testing.T, ofdURL string) (*Service, *store.Store, *noopAlerts) {
	t.Helper()
	wall := clock.NewDefaultClock()
	cfg := store.DefaultConfig(filepath.Join(t.TempDir(), "adapter.db"))
	cfg.Capacity = 5
	s, err := store.Open(cfg, wall)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cb := breaker.New(breaker.DefaultConfig(), wall, noopSink{}, nil)
	ofdClient := ofd.New(ofd.DefaultConfig(ofdURL), http.DefaultClient)
	alerts := &noopAlerts{}

	svc := New(s, kkt.NewMockDriver(), hlc.New(wall), cb, ofdClient, alerts, wall, 80, 100)
	return svc, s, alerts
}

type noopSink struct{}

func (noopSink) OnOpen()   {}
func (noopSink) OnClosed() {}

func validRequest(key string) Request {
	return Request{
		PosID:          "POS-001",
		Type:           store.TypeSale,
		Payload:        []byte(`{"total":1000}`),
		IdempotencyKey: key,
	}
}

// Scenario A: happy path online sale.
func TestSubmitHappyPathOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server_time":100,"ack_id":"a1"}`))
	}))
	defer srv.Close()

	svc, buf, _ := newTestService(t, srv.URL)
	resp, err := svc.Submit(context.Background(), validRequest("k-A1"))
	require.NoError(t, err)
	require.Equal(t, "printed", resp.Status)

	got, err := buf.GetReceipt(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, got.Status)
	require.NotNil(t, got.HLCServer)
}

// P2/L1/Scenario C: duplicate idempotency key returns the original id.
func TestSubmitDuplicateKeyIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"server_time":100,"ack_id":"a1"}`))
	}))
	defer srv.Close()

	svc, _, _ := newTestService(t, srv.URL)
	ctx := context.Background()

	first, err := svc.Submit(ctx, validRequest("k-C1"))
	require.NoError(t, err)

	second, err := svc.Submit(ctx, validRequest("k-C1"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

// Scenario D: refund blocked while antecedent is pending, then allowed
// once synced.
func TestSubmitRefundBlockedUntilAntecedentSynced(t *testing.T) {
	svc, buf, _ := newTestService(t, "http://127.0.0.1:1") // unreachable: stays pending
	ctx := context.Background()

	sale, err := svc.Submit(ctx, validRequest("k-sale"))
	require.NoError(t, err)

	refundReq := Request{
		PosID: "POS-001", Type: store.TypeRefund, OriginalID: sale.ID,
		Payload: []byte(`{"total":-1000}`), IdempotencyKey: "k-refund",
	}
	_, err = svc.Submit(ctx, refundReq)
	require.Error(t, err)
	var blocked *RefundBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, sale.ID, blocked.AntecedentID)

	// Drive the sale through syncing to synced, as the Sync Worker would.
	_, err = buf.ClaimByID(ctx, sale.ID)
	require.NoError(t, err)
	require.NoError(t, buf.MarkSynced(ctx, sale.ID, 1))

	_, err = svc.Submit(ctx, refundReq)
	require.NoError(t, err)
}

func TestRefundCheckReportsStatus(t *testing.T) {
	svc, buf, _ := newTestService(t, "http://127.0.0.1:1")
	ctx := context.Background()

	sale, err := svc.Submit(ctx, validRequest("k-sale"))
	require.NoError(t, err)

	allowed, status, err := svc.RefundCheck(ctx, sale.ID)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, "pending", status)

	_, claimErr := buf.ClaimByID(ctx, sale.ID)
	require.NoError(t, claimErr)
	require.NoError(t, buf.MarkSynced(ctx, sale.ID, 1))

	allowed, status, err = svc.RefundCheck(ctx, sale.ID)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, "synced", status)
}

// Absence from the live buffer implies prior successful delivery
// (SPEC_FULL.md §9 open question decision): refund is permitted.
func TestRefundCheckUnknownAntecedentAllowed(t *testing.T) {
	svc, _, _ := newTestService(t, "http://127.0.0.1:1")
	allowed, status, err := svc.RefundCheck(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, "unknown", status)
}

func TestSubmitInvalidRequestRejected(t *testing.T) {
	svc, _, _ := newTestService(t, "http://127.0.0.1:1")
	_, err := svc.Submit(context.Background(), Request{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

// Scenario E: buffer overflow surfaces BufferFull and raises alerts.
func TestSubmitBufferFullAlerts(t *testing.T) {
	svc, _, alerts := newTestService(t, "http://127.0.0.1:1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := validRequest("k-" + time.Now().Add(time.Duration(i)).String())
		_, err := svc.Submit(ctx, req)
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, validRequest("k-overflow"))
	require.ErrorIs(t, err, store.ErrBufferFull)
	require.NotEmpty(t, alerts.alerts)
}
