package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPing(t *testing.T, conn *websocket.Conn, timeout time.Duration) jobUpdatedMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var msg jobUpdatedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubBroadcastsJobUpdate(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.JobUpdated("job-1")

	msg := readPing(t, conn, time.Second)
	assert.Equal(t, "job.updated", msg.Type)
	assert.Equal(t, "job-1", msg.JobID)
}

func TestHubCoalescesRapidUpdates(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	start := time.Now()
	hub.JobUpdated("job-1")
	hub.JobUpdated("job-1")
	hub.JobUpdated("job-1")

	first := readPing(t, conn, time.Second)
	assert.Equal(t, "job-1", first.JobID)

	// The two rapid follow-ups collapse into a single deferred ping.
	second := readPing(t, conn, 2*jobPingInterval)
	assert.Equal(t, "job-1", second.JobID)
	assert.GreaterOrEqual(t, time.Since(start), jobPingInterval)

	// Nothing else queued.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra jobUpdatedMessage
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}
