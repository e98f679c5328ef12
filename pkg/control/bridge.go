package control

import (
	"fmt"
)

// Bridge merges the in-process loopback and the websocket hub into one Bus:
// the service consumes a single inbox and addresses local and remote
// gateways uniformly. Sends prefer a locally registered gateway and fall
// back to the hub connection with the same id.
type Bridge struct {
	local *Loopback
	hub   *Hub
	inbox chan Message
}

// NewBridge wires a bridge over both channels and starts forwarding their
// inboxes.
func NewBridge(local *Loopback, hub *Hub) *Bridge {
	b := &Bridge{local: local, hub: hub, inbox: make(chan Message, 2048)}
	go b.forward(local.Inbox())
	go b.forward(hub.Inbox())
	return b
}

func (b *Bridge) forward(src <-chan Message) {
	for msg := range src {
		b.inbox <- msg
	}
}

func (b *Bridge) Send(gatewayID string, msg Message) error {
	if err := b.local.Send(gatewayID, msg); err == nil {
		return nil
	}
	if err := b.hub.Send(gatewayID, msg); err == nil {
		return nil
	}
	return fmt.Errorf("gateway %s not reachable on any control channel", gatewayID)
}

func (b *Bridge) Broadcast(msg Message) {
	b.local.Broadcast(msg)
	b.hub.Broadcast(msg)
}

func (b *Bridge) Inbox() <-chan Message {
	return b.inbox
}
