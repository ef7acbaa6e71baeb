package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/protocol"
)

func TestConnection_EnqueueDeliversFrameToClient(t *testing.T) {
	var serverConn *Connection
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewConnection(w, r, "client-1", "", slog.Default())
		require.NoError(t, err)
		serverConn = c
		close(ready)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server connection never established")
	}

	ok := serverConn.Enqueue(protocol.Frame{Tag: protocol.TagConnected, Body: json.RawMessage(`{}`)})
	require.True(t, ok)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var frame protocol.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, protocol.TagConnected, frame.Tag)
}

func TestConnection_InboundDecodesClientFrames(t *testing.T) {
	var serverConn *Connection
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewConnection(w, r, "client-1", "", slog.Default())
		require.NoError(t, err)
		serverConn = c
		close(ready)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server connection never established")
	}

	frame := protocol.Frame{Tag: protocol.TagPing, Body: json.RawMessage(`{}`)}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, data))

	select {
	case got := <-serverConn.Inbound:
		require.Equal(t, protocol.TagPing, got.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received inbound frame")
	}
}

func TestConnection_EnqueueReturnsFalseWhenQueueFull(t *testing.T) {
	var serverConn *Connection
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := NewConnection(w, r, "client-1", "", slog.Default())
		require.NoError(t, err)
		serverConn = c
		close(ready)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server connection never established")
	}

	// Close first so the write pump exits on its next select iteration
	// without draining, letting the outbound channel fill deterministically.
	serverConn.Close()
	time.Sleep(20 * time.Millisecond)

	filled := 0
	for i := 0; i < outboundQueueSize+10; i++ {
		if !serverConn.Enqueue(protocol.Frame{Tag: protocol.TagPong, Body: json.RawMessage(`{}`)}) {
			break
		}
		filled++
	}
	require.Equal(t, outboundQueueSize, filled)
}
