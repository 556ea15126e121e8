package hub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/crash-engine/internal/ledger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 120 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024

	// sendQueue bounds the per-observer outbound queue; an observer
	// that falls this far behind is dropped.
	sendQueue = 256
)

// Inbound frame kinds.
const (
	kindRegister = "register"
	kindCashOut  = "cash_out"
	kindGetState = "get_state"
	kindPing     = "ping"
)

// Reply frame kinds.
const (
	kindRegistered    = "registered"
	kindRegisterError = "register_error"
	kindCashoutOK     = "cashout_ok"
	kindCashoutErr    = "cashout_err"
	kindState         = "state"
	kindPong          = "pong"
	kindError         = "error"
)

type inboundFrame struct {
	Kind     string `json:"kind"`
	PlayerID string `json:"playerId,omitempty"`
}

type replyFrame struct {
	Kind  string `json:"kind"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client is one observer attachment. playerID is set by an explicit
// register frame and read only from the readPump goroutine.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	playerID string
}

// queue enqueues a frame without ever blocking the caller. A false
// return means the observer's queue is full.
func (c *Client) queue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) reply(kind string, data any, errMsg string) {
	frame, err := json.Marshal(replyFrame{Kind: kind, Data: data, Error: errMsg})
	if err != nil {
		log.Printf("[Hub] cannot marshal %s reply: %v", kind, err)
		return
	}
	if !c.queue(frame) {
		c.hub.detach(c)
	}
}

// readPump reads inbound frames until the connection dies. Liveness is
// policed here: the peer must answer pings (sent by writePump) within
// pongWait.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] read error: %v", err)
			}
			return
		}
		c.dispatch(message)
	}
}

// dispatch routes one inbound frame. A panic in a handler kills this
// observer only, never the hub.
func (c *Client) dispatch(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Hub] observer handler panic: %v", r)
			c.hub.detach(c)
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.reply(kindError, nil, "malformed frame")
		return
	}

	switch frame.Kind {
	case kindRegister:
		if !ledger.PlayerIDPattern.MatchString(frame.PlayerID) {
			c.reply(kindRegisterError, nil, "invalid player id")
			return
		}
		if _, err := c.hub.players.GetPlayer(context.Background(), frame.PlayerID); err != nil {
			c.reply(kindRegisterError, nil, "unknown player")
			return
		}
		c.playerID = frame.PlayerID
		c.reply(kindRegistered, map[string]string{"playerId": frame.PlayerID}, "")

	case kindCashOut:
		playerID := frame.PlayerID
		if playerID == "" {
			playerID = c.playerID
		}
		if playerID == "" {
			c.reply(kindCashoutErr, nil, "no player registered on this attachment")
			return
		}
		result, err := c.hub.game.CashOut(context.Background(), playerID)
		if err != nil {
			c.reply(kindCashoutErr, nil, err.Error())
			return
		}
		c.reply(kindCashoutOK, result, "")

	case kindGetState:
		snap, err := c.hub.game.Snapshot()
		if err != nil {
			c.reply(kindError, nil, err.Error())
			return
		}
		c.reply(kindState, snap, "")

	case kindPing:
		c.reply(kindPong, nil, "")

	default:
		c.reply(kindError, nil, "unknown frame kind "+frame.Kind)
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings. A closed send channel (the hub dropped us) ends the
// attachment with a going-away close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
