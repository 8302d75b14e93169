package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aave-yield-cache/internal/broadcast"
)

func setupRelay(t *testing.T, origin string) (*miniredis.Miniredis, *redis.Client, *httptest.Server, *Relay) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	relay := NewRelay(rdb, "yields", origin)
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	t.Cleanup(relay.Shutdown)
	return mr, rdb, srv, relay
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) broadcast.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg broadcast.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRelay_ForwardsChannelMessages(t *testing.T) {
	mr, rdb, srv, _ := setupRelay(t, "*")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readMessage(t, conn)
	assert.Equal(t, EventRelayStatus, hello.Event)
	assert.JSONEq(t, `{"status":"connected","channel":"yields"}`, string(hello.Payload))

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("yields")["yields"] == 1
	}, time.Second, 10*time.Millisecond)

	published := `{"event":"update","payload":{"type":"full_update","assetCount":1}}`
	require.NoError(t, rdb.Publish(context.Background(), "yields", published).Err())

	msg := readMessage(t, conn)
	assert.Equal(t, broadcast.EventUpdate, msg.Event)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "full_update", payload["type"])
}

func TestRelay_ClientDisconnectReleasesSubscription(t *testing.T) {
	mr, _, srv, _ := setupRelay(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	readMessage(t, conn)

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("yields")["yields"] == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return mr.PubSubNumSub("yields")["yields"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_Shutdown(t *testing.T) {
	_, _, srv, relay := setupRelay(t, "*")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	relay.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestRelay_RejectsForeignOrigin(t *testing.T) {
	_, _, srv, _ := setupRelay(t, "https://app.example")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelay_Unconfigured(t *testing.T) {
	srv := httptest.NewServer(NewRelay(nil, "", "*"))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRetry_ResetsAfterConfirmedSubscription(t *testing.T) {
	var r retry

	d, n := r.next(false)
	assert.Equal(t, broadcast.BackoffDelay(0), d)
	assert.Equal(t, 1, n)
	d, n = r.next(false)
	assert.Equal(t, broadcast.BackoffDelay(1), d)
	assert.Equal(t, 2, n)

	// A subscription that was confirmed and later dropped starts over
	d, n = r.next(true)
	assert.Equal(t, broadcast.BackoffDelay(0), d)
	assert.Equal(t, 1, n)
}
