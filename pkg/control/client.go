package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the gateway-side control connection. It dials the tracker,
// delivers inbound commands on Commands, and sends events with Emit.
// Reconnects with backoff until the context is cancelled.
type Client struct {
	gatewayID string
	url       string
	commands  chan Message
	outbound  chan Message
}

// NewClient prepares a control client for one gateway. url is the tracker's
// websocket endpoint without the gateway query parameter.
func NewClient(gatewayID, url string) *Client {
	return &Client{
		gatewayID: gatewayID,
		url:       fmt.Sprintf("%s?gateway=%s", url, gatewayID),
		commands:  make(chan Message, 256),
		outbound:  make(chan Message, 256),
	}
}

// Commands streams assignments and cancellations from the tracker.
func (c *Client) Commands() <-chan Message { return c.commands }

// Emit queues an event for the tracker. Drops are acceptable: delivery is
// at-least-once only while connected, and the tracker's liveness timeout
// covers extended disconnects.
func (c *Client) Emit(msg Message) {
	msg.GatewayID = c.gatewayID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case c.outbound <- msg:
	default:
		log.Printf("control: outbound queue full, dropping %s", msg.Type)
	}
}

// Run maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := c.session(ctx); err != nil {
			log.Printf("control: session ended: %v", err)
		}
		select {
		case <-ctx.Done():
			close(c.commands)
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	errCh := make(chan error, 2)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("control: bad command: %v", err)
				continue
			}
			select {
			case c.commands <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg := <-c.outbound:
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					errCh <- err
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					errCh <- err
					return
				}
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
