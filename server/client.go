package server

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-sync/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
	sendBuffer = 256
)

// Client represents a single WebSocket connection bound to one document.
type Client struct {
	ID      string
	Name    string
	Color   string
	Subject string

	conn    *websocket.Conn
	send    chan []byte
	session *Session
	logger  *slog.Logger

	dropOnce sync.Once
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
	colors     = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}
)

func newClient(conn *websocket.Conn, subject string, logger *slog.Logger) *Client {
	name := subject
	if name == "" {
		name = adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))]
	}
	id := uuid.NewString()
	return &Client{
		ID:      id,
		Name:    name,
		Color:   colors[rand.IntN(len(colors))],
		Subject: subject,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		logger:  logger.With("client", id),
	}
}

// ReadPump reads frames from the WebSocket and hands them to the session.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.session.leave <- c:
		case <-c.session.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("client: read error", "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		c.session.deliver(inbound{client: c, msg: msg, err: err})
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMsg must only be called from the session goroutine.
func (c *Client) sendMsg(msg protocol.Message) {
	select {
	case c.send <- msg.Encode():
	default:
		// A skipped update would leave the peer diverged, so drop the
		// connection and let it resync on reconnect.
		c.drop()
	}
}

func (c *Client) drop() {
	c.dropOnce.Do(func() {
		c.logger.Warn("client: send buffer full, dropping connection")
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) sendError(message string) {
	c.sendMsg(protocol.Message{Type: protocol.MsgError, Message: message})
}

func (c *Client) Info() protocol.ClientInfo {
	return protocol.ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}
