// Package ofd implements the HTTP caller to the remote fiscal data operator,
// per SPEC_FULL.md §4.3/§6. It never retries on its own — the retry budget
// belongs to the Sync Worker — and it classifies every outcome into a
// closed sum type instead of letting callers string-match errors, per §9's
// "classified result types" directive.
package ofd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Result is the classified outcome of a Send call. Exactly one of the
// three constructors below produces any given Result; callers must switch
// on Kind.
type Result struct {
	Kind       Kind
	ServerTime int64
	AckID      string
	Err        error
}

type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindPermanent
)

func success(serverTime int64, ackID string) Result {
	return Result{Kind: KindSuccess, ServerTime: serverTime, AckID: ackID}
}

func transient(err error) Result { return Result{Kind: KindTransient, Err: err} }
func permanent(err error) Result { return Result{Kind: KindPermanent, Err: err} }

// ackResponse is the shape of a well-formed OFD acknowledgement, per
// spec.md §6: "success response contains a server_time integer ... and a
// unique acknowledgement identifier". Only these fields are validated; the
// rest of the OFD's schema is outside the Adapter's control.
type ackResponse struct {
	ServerTime *int64  `json:"server_time"`
	AckID      *string `json:"ack_id"`
}

// Config configures the Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig mirrors spec.md §6's ofd_timeout_s default.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 10 * time.Second}
}

// Client is a thin, zero-retry HTTP caller to the OFD, per spec.md §4.3.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client. httpClient may be a custom *http.Client (e.g. in
// tests, one pointed at an httptest.Server); pass nil for http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Send submits a fiscal payload to POST {base}/receipts and classifies the
// response per spec.md §4.3: 2xx + well-formed ack is Success; timeout,
// connection error, 5xx, or 429 is Transient; any other 4xx, or a
// success-shaped response that fails schema validation, is Permanent.
func (c *Client) Send(ctx context.Context, receiptID string, payload []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.BaseURL+"/receipts", bytes.NewReader(payload),
	)
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Receipt-Id", receiptID)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient: the OFD
		// may simply be unreachable right now.
		return transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack ackResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return permanent(fmt.Errorf("malformed ack body: %w", err))
		}
		if ack.ServerTime == nil || ack.AckID == nil {
			return permanent(fmt.Errorf("ack missing server_time or ack_id"))
		}
		return success(*ack.ServerTime, *ack.AckID)

	case resp.StatusCode == http.StatusTooManyRequests:
		return transient(fmt.Errorf("ofd rate limited: %d", resp.StatusCode))

	case resp.StatusCode >= 500:
		return transient(fmt.Errorf("ofd server error: %d", resp.StatusCode))

	default:
		return permanent(fmt.Errorf("ofd rejected receipt: %d", resp.StatusCode))
	}
}
