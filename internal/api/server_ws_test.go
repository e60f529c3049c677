package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushdeck/internal/notice"
)

func wsDial(t *testing.T, s *testStack, query string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(s.ts.URL, "http://", "ws://", 1) + "/api/v1/events?" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventsRejectsInvalidToken(t *testing.T) {
	s := newTestStack(t, Config{})

	wsURL := strings.Replace(s.ts.URL, "http://", "ws://", 1) +
		"/api/v1/events?user_id=u1&access_token=bad-token"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("expected websocket dial to fail for invalid token")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventsRequiresUserID(t *testing.T) {
	s := newTestStack(t, Config{})

	wsURL := strings.Replace(s.ts.URL, "http://", "ws://", 1) +
		"/api/v1/events?access_token=" + url.QueryEscape(testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("expected websocket dial to fail without user_id")
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsReceivesLivePush(t *testing.T) {
	s := newTestStack(t, Config{})
	conn := wsDial(t, s, "user_id=u1&access_token="+url.QueryEscape(testToken))

	require.Eventually(t, func() bool { return s.reg.IsUserConnected("u1") }, time.Second, 5*time.Millisecond)

	resp := s.do(t, http.MethodPost, "/api/v1/notify", map[string]any{
		"message":     "build finished",
		"target_user": "u1",
		"priority":    notice.PriorityHigh,
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, notice.SendStatusDelivered, body["status"])

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notice.EventNotification, msg["type"])
	assert.Equal(t, "build finished", msg["message"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestEventsSubscriptionFilter(t *testing.T) {
	s := newTestStack(t, Config{})
	conn := wsDial(t, s, "user_id=u1&events="+notice.EventResponded+"&access_token="+url.QueryEscape(testToken))

	require.Eventually(t, func() bool { return s.reg.IsUserConnected("u1") }, time.Second, 5*time.Millisecond)

	// Filtered out: the connection only wants responded events, so the
	// send resolves as recipient_unavailable.
	resp := s.do(t, http.MethodPost, "/api/v1/notify", map[string]any{
		"message":     "ignored",
		"target_user": "u1",
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, notice.SendStatusUnavailable, decodeBody(t, resp)["status"])

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg map[string]any
	assert.Error(t, conn.ReadJSON(&msg), "no event should arrive")
}

func TestEventsReplaysQueuedBacklogOnAttach(t *testing.T) {
	s := newTestStack(t, Config{})

	// Queue something while the user is offline.
	resp := s.do(t, http.MethodPost, "/api/v1/notify", map[string]any{
		"message":     "while you were away",
		"target_user": "u1",
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, notice.SendStatusUnavailable, body["status"])
	id := body["notification_id"].(string)

	conn := wsDial(t, s, "user_id=u1&access_token="+url.QueryEscape(testToken))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notice.EventNotification, msg["type"])
	assert.Equal(t, "while you were away", msg["message"])

	require.Eventually(t, func() bool {
		rec, err := s.st.Get(context.Background(), id)
		return err == nil && rec.State == notice.StateDelivered
	}, time.Second, 10*time.Millisecond)
}
