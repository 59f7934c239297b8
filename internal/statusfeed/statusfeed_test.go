// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package statusfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jontk/agentd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishDeliversToConnectedClient(t *testing.T) {
	hub := NewHub(logging.NoOpLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{RequestID: "r1", NodeName: "node1", State: "DONE", Timestamp: time.Now()})

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "node1", ev.NodeName)
	assert.Equal(t, "DONE", ev.State)
}

func TestHub_ClientCount_ZeroWhenEmpty(t *testing.T) {
	hub := NewHub(logging.NoOpLogger{})
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(logging.NoOpLogger{})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithNoClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(logging.NoOpLogger{})
	hub.Publish(Event{NodeName: "node1", State: "DONE"})
}
