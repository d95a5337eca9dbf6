// Package protocol defines the JSON frames exchanged between the collaboration
// server and its clients.
//
// A client opens /ws/{name} and sends a sync frame with its state vector. The
// server answers with a sync frame carrying everything the client lacks plus
// the server's own state vector; the client then sends an update with what
// the server lacks. From then on both sides push update frames as changes
// happen.
package protocol

import (
	"encoding/json"

	"github.com/alimasry/go-collab-sync/crdt"
)

// Message types exchanged over WebSocket.
const (
	MsgSync   = "sync"
	MsgUpdate = "update"
	MsgJoin   = "join"
	MsgLeave  = "leave"
	MsgError  = "error"
)

// Message is a frame in either direction.
type Message struct {
	Type        string           `json:"type"`
	Doc         string           `json:"doc,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Update      []byte           `json:"update,omitempty"`
	ClientID    string           `json:"clientId,omitempty"`
	Name        string           `json:"name,omitempty"`
	Color       string           `json:"color,omitempty"`
	Message     string           `json:"message,omitempty"`
	Clients     []ClientInfo     `json:"clients,omitempty"`
}

// ClientInfo describes a connected user.
type ClientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Encode serializes a Message to JSON bytes.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Decode parses a frame.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
