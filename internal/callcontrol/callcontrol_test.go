package callcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

func TestValidatePhoneNumber(t *testing.T) {
	for _, ok := range []string{"+14155551234", "+442071838750", "+81312345678"} {
		assert.NoError(t, ValidatePhoneNumber(ok), ok)
	}
	for _, bad := range []string{"", "14155551234", "+0123", "+1 415 555 1234", "call-me", "+123456789012345678"} {
		assert.Error(t, ValidatePhoneNumber(bad), bad)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := NewClient(Config{
		BaseURL:   ts.URL,
		APIKey:    "test-key",
		StreamURL: "wss://bridge.example.com/call/stream",
	})
	require.NoError(t, err)
	return c
}

func TestPlaceOutboundCall(t *testing.T) {
	var gotAuth string
	var gotReq outboundRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(outboundResponse{CallID: "call-9"})
	})

	sid, err := c.PlaceOutboundCall(context.Background(), "+14155551234", "renewal reminder")
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "+14155551234", gotReq.To)
	assert.Equal(t, "wss://bridge.example.com/call/stream", gotReq.StreamURL)
	assert.Equal(t, sid, gotReq.Metadata["session_id"])
	assert.Equal(t, "renewal reminder", gotReq.Metadata["session_hint"])
}

func TestPlaceOutboundCall_RejectsBadTarget(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called for an invalid target")
	})
	_, err := c.PlaceOutboundCall(context.Background(), "democracy hotline", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestPlaceOutboundCall_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(outboundResponse{CallID: "call-1"})
	})

	sid, err := c.PlaceOutboundCall(context.Background(), "+14155551234", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sid)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPlaceOutboundCall_DoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.PlaceOutboundCall(context.Background(), "+14155551234", "")
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.False(t, fault.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlaceOutboundCall_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.PlaceOutboundCall(context.Background(), "+14155551234", "")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandleIncoming(t *testing.T) {
	c := newTestClient(t, nil)

	directive, err := c.HandleIncoming(IncomingCallEvent{CallID: "call-1", From: "+14155551234"})
	require.NoError(t, err)
	assert.Equal(t, "answer", directive.Action)
	assert.Equal(t, "wss://bridge.example.com/call/stream", directive.StreamURL)
	assert.NotEmpty(t, directive.SessionID)

	_, err = c.HandleIncoming(IncomingCallEvent{})
	require.Error(t, err)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

func TestHangup(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.Hangup(context.Background(), "s-1"))
	assert.Equal(t, "s-1", gotBody["session_id"])
}

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}
