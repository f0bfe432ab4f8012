package rt

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amora-chat/amora/service/rt/wire"
)

func openStream(t *testing.T, url, token string) (*http.Response, *bufio.Reader) {
	t.Helper()
	resp, err := http.Get(url + "/rt/stream?token=" + token)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readEvent consumes lines until one complete `data:` block is terminated
// by a blank line. Comment lines are skipped.
func readEvent(t *testing.T, r *bufio.Reader) wire.Frame {
	t.Helper()
	var data strings.Builder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				var f wire.Frame
				require.NoError(t, json.Unmarshal([]byte(data.String()), &f))
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatal("no event before deadline")
	return wire.Frame{}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/rt/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamHelloThenPush(t *testing.T) {
	srv, _, ts := newTestServer(t)
	token := tokenFor(t, srv, "alice")

	resp, r := openStream(t, ts.URL, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, resp.Header.Get("X-Connection-Id"))

	hello := readEvent(t, r)
	assert.Equal(t, wire.ConnectionEstablished, hello.Type)

	// the channel registers before the hello frame is written
	require.Eventually(t, func() bool {
		return srv.Registry().CountForUser("alice") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Dispatcher().Publish(wire.Event{
		Type: wire.NewMessage,
		Data: wire.MessagePayload{MessageID: "m1", SenderID: "bob", Content: "hi", Timestamp: 1},
	}, "alice"))

	f := readEvent(t, r)
	assert.Equal(t, wire.NewMessage, f.Type)
	var msg wire.MessagePayload
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "m1", msg.MessageID)
}

func TestStreamHeartbeatComments(t *testing.T) {
	srv, _, ts := newTestServer(t)
	token := tokenFor(t, srv, "alice")

	_, r := openStream(t, ts.URL, token)
	readEvent(t, r) // hello

	// heartbeat cadence is 50ms in the test config
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": ping") {
			return
		}
	}
	t.Fatal("no heartbeat comment observed")
}

func TestStreamDisconnectCleansRegistry(t *testing.T) {
	srv, _, ts := newTestServer(t)
	token := tokenFor(t, srv, "alice")

	resp, r := openStream(t, ts.URL, token)
	readEvent(t, r)
	require.Equal(t, 1, srv.Registry().CountForUser("alice"))

	resp.Body.Close()

	assert.Eventually(t, func() bool {
		return srv.Registry().CountForUser("alice") == 0
	}, 2*time.Second, 20*time.Millisecond)
}
