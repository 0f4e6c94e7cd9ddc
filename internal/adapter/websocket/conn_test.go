package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConnPair returns the server side adapter and the raw client connection.
func newTestConnPair(t *testing.T) (*Conn, *ws.Conn) {
	t.Helper()

	serverConns := make(chan *Conn, 1)
	upgrader := NewUpgrader(func(*http.Request) bool { return true })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- NewConn(c)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-serverConns:
		t.Cleanup(func() { _ = c.Close(domain.CloseNormal, "") })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func TestConn_WriteAndRead(t *testing.T) {
	conn, client := newTestConnPair(t)

	require.NoError(t, conn.Write(context.Background(), []byte(`{"type":"event"}`)))

	client.SetReadDeadline(time.Now().Add(time.Second))
	mt, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.TextMessage, mt)
	assert.JSONEq(t, `{"type":"event"}`, string(msg))

	require.NoError(t, client.WriteMessage(ws.TextMessage, []byte("hello")))
	data, err := conn.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestConn_WriteWithDoneContext(t *testing.T) {
	conn, _ := newTestConnPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := conn.Write(ctx, []byte("late"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConn_CloseSendsCodeAndIsIdempotent(t *testing.T) {
	conn, client := newTestConnPair(t)

	require.NoError(t, conn.Close(domain.CloseGoingAway, "server shutting down"))
	assert.NoError(t, conn.Close(domain.CloseNormal, "again"))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(domain.CloseGoingAway), closeErr.Code)
	assert.Equal(t, "server shutting down", closeErr.Text)

	assert.Error(t, conn.Write(context.Background(), []byte("after close")))
}

func TestConn_PingAndPong(t *testing.T) {
	conn, client := newTestConnPair(t)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(appData string) error {
		pinged <- struct{}{}
		return client.WriteControl(ws.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ponged := make(chan struct{}, 1)
	conn.OnPong(func() { ponged <- struct{}{} })
	go func() {
		for {
			if _, err := conn.Read(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Ping(ctx))

	for _, ch := range []chan struct{}{pinged, ponged} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("ping/pong round trip did not complete")
		}
	}
}

func TestConn_ReadLimit(t *testing.T) {
	conn, client := newTestConnPair(t)

	require.NoError(t, client.WriteMessage(ws.TextMessage, make([]byte, maxMessageSize+1)))
	_, err := conn.Read()
	assert.ErrorIs(t, err, ws.ErrReadLimit)
}

func TestUpgrader_RejectsPlainRequestWithJSON(t *testing.T) {
	upgrader := NewUpgrader(func(*http.Request) bool { return true })
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = upgrader.Upgrade(w, r, nil)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "handshake failed")
}

func TestUpgrader_RejectsForeignOrigin(t *testing.T) {
	upgrader := NewUpgrader(NewCheckOrigin([]string{"https://shop.example.com"}, false))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = upgrader.Upgrade(w, r, nil)
	}))
	defer server.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
