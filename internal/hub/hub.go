package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/crash-engine/internal/engine"
	"github.com/rawblock/crash-engine/pkg/models"
)

// ──────────────────────────────────────────────────────────────────────
// Broadcast hub.
//
// The hub owns the observer set and nothing else. It consumes the
// engine's event channel and fans frames out to every attached observer
// in order; inbound observer messages are routed to the engine's
// cash-out entry point or answered from a snapshot. The hub never holds
// the engine, only the two interfaces below.
// ──────────────────────────────────────────────────────────────────────

// GameControl is the slice of the round engine the hub needs.
type GameControl interface {
	CashOut(ctx context.Context, playerID string) (*engine.CashoutResult, error)
	Snapshot() (*models.Snapshot, error)
}

// PlayerRegistry resolves player ids on observer registration.
// ledger.Store satisfies it.
type PlayerRegistry interface {
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled at the HTTP layer
	},
}

// Hub maintains the set of active observers and broadcasts engine
// events to them.
type Hub struct {
	game    GameControl
	players PlayerRegistry

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int32
}

func NewHub(game GameControl, players PlayerRegistry) *Hub {
	return &Hub{
		game:       game,
		players:    players,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run fans out engine events until the event channel closes, then
// closes every observer attachment and returns. Only this goroutine
// touches the client set.
func (h *Hub) Run(events <-chan models.Event) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			log.Printf("[Hub] observer attached, %d total", len(h.clients))
		case client := <-h.unregister:
			h.drop(client)
		case ev, ok := <-events:
			if !ok {
				log.Printf("[Hub] engine stream closed, detaching %d observers", len(h.clients))
				for client := range h.clients {
					h.drop(client)
				}
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[Hub] cannot marshal %s event: %v", ev.Type, err)
				continue
			}
			for client := range h.clients {
				if !client.queue(frame) {
					// A full queue means the observer cannot keep up;
					// drop it rather than let it block the fan-out.
					log.Printf("[Hub] observer queue full, dropping")
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.count.Store(int32(len(h.clients)))
	log.Printf("[Hub] observer detached, %d total", len(h.clients))
}

// Observers is the current attachment count.
func (h *Hub) Observers() int { return int(h.count.Load()) }

// detach is the pump-side exit path; safe after Run has returned.
func (h *Hub) detach(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ServeStream upgrades an HTTP request to the event stream.
func (h *Hub) ServeStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendQueue)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
