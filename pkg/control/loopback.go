package control

import (
	"fmt"
	"sync"
	"time"
)

// Loopback is an in-process Bus for single-binary runs and tests: gateways
// live in the same process as the tracker and exchange messages over
// channels instead of websockets.
type Loopback struct {
	mu       sync.RWMutex
	inbox    chan Message
	gateways map[string]chan Message
}

// NewLoopback creates an in-process control bus.
func NewLoopback() *Loopback {
	return &Loopback{
		inbox:    make(chan Message, 1024),
		gateways: make(map[string]chan Message),
	}
}

// Register attaches a gateway and returns its command channel.
func (l *Loopback) Register(gatewayID string) <-chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Message, 256)
	l.gateways[gatewayID] = ch
	return ch
}

// Unregister detaches a gateway, closing its command channel.
func (l *Loopback) Unregister(gatewayID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.gateways[gatewayID]; ok {
		close(ch)
		delete(l.gateways, gatewayID)
	}
}

// Emit delivers a gateway message to the tracker.
func (l *Loopback) Emit(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	l.inbox <- msg
}

func (l *Loopback) Send(gatewayID string, msg Message) error {
	l.mu.RLock()
	ch, ok := l.gateways[gatewayID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway %s not connected", gatewayID)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("gateway %s command channel full", gatewayID)
	}
}

func (l *Loopback) Broadcast(msg Message) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.gateways {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (l *Loopback) Inbox() <-chan Message {
	return l.inbox
}
