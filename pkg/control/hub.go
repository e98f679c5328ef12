package control

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// gatewayConn is one connected gateway's websocket plus its send queue.
type gatewayConn struct {
	conn         *websocket.Conn
	lastSeen     time.Time
	sendCh       chan Message
	disconnectCh chan struct{}
}

// Hub is the tracker-side control channel: one websocket per gateway, with
// read/write pumps and ping/pong liveness. Implements Bus.
type Hub struct {
	mu       sync.RWMutex
	gateways map[string]*gatewayConn
	inbox    chan Message
}

// NewHub creates an empty control hub.
func NewHub() *Hub {
	return &Hub{
		gateways: make(map[string]*gatewayConn),
		inbox:    make(chan Message, 1024),
	}
}

// HandleUpgrade upgrades an HTTP request to a gateway control connection. The
// gateway identifies itself with the "gateway" query parameter.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.URL.Query().Get("gateway")
	if gatewayID == "" {
		http.Error(w, "missing gateway id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("control: upgrade failed for %s: %v", gatewayID, err)
		return
	}
	h.register(gatewayID, conn)
}

// register wires up a new or reconnecting gateway.
func (h *Hub) register(gatewayID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, exists := h.gateways[gatewayID]; exists {
		log.Printf("control: gateway %s reconnecting", gatewayID)
		close(old.disconnectCh)
		if old.conn != nil {
			old.conn.Close()
		}
	}
	gc := &gatewayConn{
		conn:         conn,
		lastSeen:     time.Now(),
		sendCh:       make(chan Message, 256),
		disconnectCh: make(chan struct{}),
	}
	h.gateways[gatewayID] = gc
	h.mu.Unlock()

	go h.readPump(gatewayID, gc)
	go h.writePump(gatewayID, gc)
}

func (h *Hub) readPump(gatewayID string, gc *gatewayConn) {
	defer gc.conn.Close()
	gc.conn.SetReadLimit(maxMessageSize)
	gc.conn.SetReadDeadline(time.Now().Add(pongWait))
	gc.conn.SetPongHandler(func(string) error {
		gc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		select {
		case <-gc.disconnectCh:
			return
		default:
			_, data, err := gc.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("control: gateway %s read error: %v", gatewayID, err)
				}
				return
			}
			gc.conn.SetReadDeadline(time.Now().Add(pongWait))
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("control: bad message from %s: %v", gatewayID, err)
				continue
			}
			msg.GatewayID = gatewayID
			h.mu.Lock()
			gc.lastSeen = time.Now()
			h.mu.Unlock()
			// Never block the read pump on a slow consumer; delivery is
			// at-least-once and the tracker's liveness timeout covers gaps.
			select {
			case h.inbox <- msg:
			default:
				log.Printf("control: inbox full, dropping %s from %s", msg.Type, gatewayID)
			}
		}
	}
}

func (h *Hub) writePump(gatewayID string, gc *gatewayConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer gc.conn.Close()
	for {
		select {
		case msg, ok := <-gc.sendCh:
			if !ok {
				return
			}
			gc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("control: marshal for %s failed: %v", gatewayID, err)
				continue
			}
			if err := gc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("control: send to %s failed: %v", gatewayID, err)
				return
			}
		case <-ticker.C:
			gc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gc.disconnectCh:
			return
		}
	}
}

func (h *Hub) Send(gatewayID string, msg Message) error {
	h.mu.RLock()
	gc, ok := h.gateways[gatewayID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway %s not connected", gatewayID)
	}
	select {
	case gc.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("gateway %s send channel full", gatewayID)
	}
}

func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, gc := range h.gateways {
		select {
		case gc.sendCh <- msg:
		default:
		}
	}
}

func (h *Hub) Inbox() <-chan Message {
	return h.inbox
}

// LastSeen returns the time the gateway last sent anything, false if it has
// never connected.
func (h *Hub) LastSeen(gatewayID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	gc, ok := h.gateways[gatewayID]
	if !ok {
		return time.Time{}, false
	}
	return gc.lastSeen, true
}
