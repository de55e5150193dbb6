package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/runner"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, hub *runner.Hub, origins []string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stream", NewHandler(hub, origins, nil, nil).HandleConnection)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamForwardsEvents(t *testing.T) {
	hub := runner.NewHub(nil, nil)
	conn := dial(t, startServer(t, hub, nil))

	welcome := read(t, conn)
	assert.Equal(t, "system", welcome["type"])
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(runner.Event{
		Topic:      runner.TopicDiagnostic,
		Diagnostic: &runner.Diagnostic{ModuleID: "zoro", Reason: "malformed"},
	})

	ev := read(t, conn)
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, runner.TopicDiagnostic, ev["topic"])
	diag := ev["diagnostic"].(map[string]interface{})
	assert.Equal(t, "zoro", diag["module_id"])
}

func TestStreamTopicFilter(t *testing.T) {
	hub := runner.NewHub(nil, nil)
	conn := dial(t, startServer(t, hub, nil)+"?topic=challenge.")
	read(t, conn)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(runner.Event{Topic: runner.TopicDiagnostic, Diagnostic: &runner.Diagnostic{}})
	hub.Publish(runner.Event{Topic: runner.TopicChallengeClosed, Challenge: &runner.Challenge{Outcome: runner.OutcomeSolved}})

	ev := read(t, conn)
	assert.Equal(t, runner.TopicChallengeClosed, ev["topic"])
}

func TestStreamClientMessages(t *testing.T) {
	hub := runner.NewHub(nil, nil)
	conn := dial(t, startServer(t, hub, nil))
	read(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", read(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(Message{Type: "challenges"}))
	assert.Equal(t, "challenges", read(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	assert.Equal(t, "error", read(t, conn)["type"])
}

func TestStreamUnsubscribesOnClose(t *testing.T) {
	hub := runner.NewHub(nil, nil)
	conn := dial(t, startServer(t, hub, nil))
	read(t, conn)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	hub := runner.NewHub(nil, nil)
	url := startServer(t, hub, []string{"http://app.example"})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
