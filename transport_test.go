package toybox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// startEchoServer runs a websocket server that echoes every text frame.
func startEchoServer(t *testing.T) (string, func()) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			messageType, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, frame); err != nil {
				return
			}
		}
	}))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return url, server.Close
}

func TestTransportConnectRefused(t *testing.T) {
	ctx := context.Background()
	transport := NewTransportWithDefaults(
		ctx,
		"ws://127.0.0.1:1",
		func(frame []byte) {},
		func(err error) {},
	)
	defer transport.Close()

	err := transport.Connect(ctx)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.NotEqual(t, connectionErr.Unwrap(), nil)
}

func TestTransportSendReceive(t *testing.T) {
	url, shutdown := startEchoServer(t)
	defer shutdown()

	received := make(chan []byte, 8)
	closed := make(chan error, 1)

	ctx := context.Background()
	transport := NewTransportWithDefaults(
		ctx,
		url,
		func(frame []byte) {
			received <- frame
		},
		func(err error) {
			closed <- err
		},
	)
	defer transport.Close()

	assert.Equal(t, transport.Connect(ctx), nil)

	out := pongMessage("a1")
	assert.Equal(t, transport.Send(out), nil)

	select {
	case frame := <-received:
		var echoed Message
		assert.Equal(t, json.Unmarshal(frame, &echoed), nil)
		assert.Equal(t, echoed.Msg, MessagePong)
		assert.Equal(t, echoed.Id, "a1")
	case <-time.After(5 * time.Second):
		t.Fatal("echo frame not received")
	}
}

func TestTransportCloseOnce(t *testing.T) {
	url, shutdown := startEchoServer(t)
	defer shutdown()

	closedLock := sync.Mutex{}
	closedCount := 0

	ctx := context.Background()
	transport := NewTransportWithDefaults(
		ctx,
		url,
		func(frame []byte) {},
		func(err error) {
			closedLock.Lock()
			closedCount += 1
			closedLock.Unlock()
		},
	)

	assert.Equal(t, transport.Connect(ctx), nil)

	// the closed callback fires exactly once however many times close is
	// driven
	transport.Close()
	transport.Close()
	time.Sleep(100 * time.Millisecond)

	closedLock.Lock()
	count := closedCount
	closedLock.Unlock()
	assert.Equal(t, count, 1)

	// sends after close fail fast
	err := transport.Send(pongMessage("a2"))
	var lostErr *ConnectionLostError
	assert.Equal(t, errors.As(err, &lostErr), true)
}

func TestTransportRemoteClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// drop the connection immediately
		ws.Close()
	}))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	closed := make(chan error, 1)

	ctx := context.Background()
	transport := NewTransportWithDefaults(
		ctx,
		url,
		func(frame []byte) {},
		func(err error) {
			closed <- err
		},
	)
	defer transport.Close()

	assert.Equal(t, transport.Connect(ctx), nil)

	select {
	case err := <-closed:
		assert.NotEqual(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("remote close not observed")
	}
}
