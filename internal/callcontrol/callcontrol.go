// Package callcontrol is the facade to the telephony provider's REST
// API: answering webhooks, placing outbound calls, and hanging up.
package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

const (
	// requestTimeout caps one provider HTTP round trip.
	requestTimeout = 5 * time.Second

	// maxRetries is how many times a transient provider failure is
	// retried before giving up.
	maxRetries = 2
)

// e164 is the international phone number shape the provider accepts.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidatePhoneNumber rejects anything that is not E.164.
func ValidatePhoneNumber(number string) error {
	if !e164.MatchString(number) {
		return fault.Newf(fault.KindConfig, "callcontrol.validate", "not an E.164 number: %q", number)
	}
	return nil
}

// Config locates the telephony provider.
type Config struct {
	// BaseURL is the provider's REST API root.
	BaseURL string

	// APIKey authenticates provider requests.
	APIKey string

	// StreamURL is the public websocket URL the provider should connect
	// media streams to, e.g. "wss://bridge.example.com/call/stream".
	StreamURL string
}

// Client talks to the telephony provider.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a provider client, validating the config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.StreamURL == "" {
		return nil, fault.Newf(fault.KindConfig, "callcontrol.new", "base url and stream url are required")
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
	}, nil
}

// IncomingCallEvent is the provider's webhook payload for a new call.
type IncomingCallEvent struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// AnswerDirective tells the provider to answer and open a media stream.
type AnswerDirective struct {
	Action    string `json:"action"`
	StreamURL string `json:"stream_url"`
	SessionID string `json:"session_id"`
}

// HandleIncoming turns a webhook event into an answer directive carrying
// a freshly minted session id the media stream will attach to.
func (c *Client) HandleIncoming(ev IncomingCallEvent) (AnswerDirective, error) {
	if ev.CallID == "" {
		return AnswerDirective{}, fault.Newf(fault.KindProtocol, "callcontrol.incoming", "webhook missing call_id")
	}
	sid := uuid.NewString()
	log.Info("incoming call", "call_id", ev.CallID, "from", ev.From, "session_id", sid)
	return AnswerDirective{
		Action:    "answer",
		StreamURL: c.cfg.StreamURL,
		SessionID: sid,
	}, nil
}

// outboundRequest is the provider's call-placement payload.
type outboundRequest struct {
	To        string            `json:"to"`
	StreamURL string            `json:"stream_url"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type outboundResponse struct {
	CallID string `json:"call_id"`
}

// PlaceOutboundCall dials the target and returns the session id the
// resulting media stream will attach to. The optional hint is forwarded
// as provider metadata so agents can see why the call was placed.
func (c *Client) PlaceOutboundCall(ctx context.Context, target, hint string) (string, error) {
	if err := ValidatePhoneNumber(target); err != nil {
		observability.OutboundCall("invalid_target")
		return "", err
	}

	sid := uuid.NewString()
	payload := outboundRequest{
		To:        target,
		StreamURL: c.cfg.StreamURL,
		Metadata:  map[string]string{"session_id": sid},
	}
	if hint != "" {
		payload.Metadata["session_hint"] = hint
	}

	var resp outboundResponse
	if err := c.post(ctx, "/calls", payload, &resp); err != nil {
		observability.OutboundCall("failed")
		return "", err
	}
	observability.OutboundCall("placed")
	log.Info("outbound call placed", "call_id", resp.CallID, "session_id", sid)
	return sid, nil
}

// Hangup asks the provider to tear down the call for a session.
func (c *Client) Hangup(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/calls/hangup", map[string]string{"session_id": sessionID}, nil)
}

// post sends one JSON request, retrying transient failures.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fault.New(fault.KindInternal, "callcontrol.post", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fault.New(fault.KindOf(ctx.Err()), "callcontrol.post", ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		err := c.attempt(ctx, path, raw, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !fault.IsRetryable(err) {
			return err
		}
		log.Warn("provider request failed, retrying", "path", path, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// attempt performs one round trip. The fault kind decides whether post
// retries: upstream and timeout failures are transient, the rest final.
func (c *Client) attempt(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fault.New(fault.KindInternal, "callcontrol.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are transient by assumption.
		return fault.New(fault.KindUpstream, "callcontrol.post", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fault.Newf(fault.KindUpstream, "callcontrol.post", "provider returned %d for %s", resp.StatusCode, path)
	case resp.StatusCode >= 400:
		// Bad credentials or a bad request; repeating it cannot help.
		return fault.Newf(fault.KindConfig, "callcontrol.post", "provider rejected %s with %d", path, resp.StatusCode)
	}

	if out != nil {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fault.New(fault.KindUpstream, "callcontrol.post", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fault.New(fault.KindProtocol, "callcontrol.post", fmt.Errorf("bad provider response: %w", err))
		}
	}
	return nil
}
