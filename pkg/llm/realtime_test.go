package llm

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func realtimeTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var env realtimeEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case rtSessionUpdate, rtAudioAppend:
			case rtAudioCommit:
				pcm := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
				_ = conn.WriteJSON(realtimeEnvelope{Type: rtAudioDelta, Delta: pcm})
				_ = conn.WriteJSON(realtimeEnvelope{Type: rtTranscriptDelta, Delta: "hi there"})
				_ = conn.WriteJSON(realtimeEnvelope{Type: rtResponseDone})
			case rtResponseCancel:
				_ = conn.WriteJSON(realtimeEnvelope{Type: rtResponseDone})
			}
		}
	}))
}

func TestRealtimeClient_SpeechRoundTrip(t *testing.T) {
	ts := realtimeTestServer(t)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, err := DialRealtime(context.Background(), RealtimeConfig{
		URL: url, APIKey: "test-key", Voice: "ava", SampleRate: 24000,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendAudio([]byte{9, 9}))
	require.NoError(t, c.CommitAudio())

	var got []RealtimeEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-c.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("only %d events arrived", len(got))
		}
	}

	assert.Equal(t, RealtimeAudio, got[0].Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[0].PCM)
	assert.Equal(t, RealtimeTranscript, got[1].Type)
	assert.Equal(t, "hi there", got[1].Transcript)
	assert.Equal(t, RealtimeDone, got[2].Type)
}

func TestDialRealtime_RequiresConfig(t *testing.T) {
	_, err := DialRealtime(context.Background(), RealtimeConfig{})
	assert.Error(t, err)
}
