package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/delta"
	"github.com/alimasry/go-collab-sync/protocol"
	"github.com/alimasry/go-collab-sync/store"
)

var testKey = []byte("handler-test-key-0123456789abcdef")

func setupTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(store.NewMemoryStore(), HubOptions{})
	handler := NewHandler(hub, HandlerOptions{
		Verifier: auth.NewVerifier(testKey),
		Issuer:   auth.NewIssuer(testKey, time.Minute),
	})
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return server, hub
}

func issueToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.NewIssuer(testKey, time.Minute).Issue(subject)
	require.NoError(t, err)
	return tok.Raw
}

func wsConnect(t *testing.T, server *httptest.Server, name, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + name
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readWsMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// readUntil skips presence frames.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.Message {
	t.Helper()
	for {
		msg := readWsMsg(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestHandler_RejectsMissingOrBadToken(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, token := range []string{"", "garbage"} {
		_, resp, err := wsConnect(t, server, "doc", token)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestHandler_SyncHandshake(t *testing.T) {
	server, _ := setupTestServer(t)

	conn, resp, err := wsConnect(t, server, "test-doc", issueToken(t, "alice"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.MsgSync}))
	msg := readWsMsg(t, conn)
	assert.Equal(t, protocol.MsgSync, msg.Type)
	assert.Equal(t, "test-doc", msg.Doc)
	require.Len(t, msg.Clients, 1)
	assert.Equal(t, "alice", msg.Clients[0].Name)
}

func TestHandler_TwoClientsCollaborate(t *testing.T) {
	server, hub := setupTestServer(t)

	conn1, _, err := wsConnect(t, server, "collab", issueToken(t, "alice"))
	require.NoError(t, err)
	defer conn1.Close()
	conn2, _, err := wsConnect(t, server, "collab", issueToken(t, "bob"))
	require.NoError(t, err)
	defer conn2.Close()

	require.NoError(t, conn1.WriteJSON(protocol.Message{Type: protocol.MsgSync}))
	readUntil(t, conn1, protocol.MsgSync)
	require.NoError(t, conn2.WriteJSON(protocol.Message{Type: protocol.MsgSync}))
	readUntil(t, conn2, protocol.MsgSync)

	local := crdt.NewDocument("alice")
	u, err := local.Edit(delta.Append("hello", 0), nil)
	require.NoError(t, err)
	require.NoError(t, conn1.WriteJSON(protocol.Message{Type: protocol.MsgUpdate, Update: u}))

	broadcast := readUntil(t, conn2, protocol.MsgUpdate)
	remote := crdt.NewDocument("bob")
	require.NoError(t, remote.Apply(broadcast.Update, nil))
	assert.Equal(t, "hello", remote.Text())
	assert.Equal(t, "hello", hub.GetSession("collab").Text())
}

func TestHandler_TokenEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Post(server.URL+"/token", "application/json", bytes.NewBufferString(`{"subject":"dana"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok auth.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	claims, err := auth.NewVerifier(testKey).Verify(tok.Raw)
	require.NoError(t, err)
	assert.Equal(t, "dana", claims.Subject)

	bad, err := http.Post(server.URL+"/token", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHandler_TokenEndpointDisabled(t *testing.T) {
	hub := NewHub(store.NewMemoryStore(), HubOptions{})
	t.Cleanup(hub.Close)
	server := httptest.NewServer(NewHandler(hub, HandlerOptions{}))
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/token", "application/json", bytes.NewBufferString(`{"subject":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Without a verifier anonymous connections are accepted.
	conn, _, err := wsConnect(t, server, "open", "")
	require.NoError(t, err)
	conn.Close()
}
