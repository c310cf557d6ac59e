package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/smukkama/vigilant-patrol/internal/events"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	clientBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveClient streams tracker events to one websocket connection. An
// optional guard filter narrows the feed to a single guard.
type liveClient struct {
	hub     *events.Hub
	sub     *events.Subscriber
	conn    *websocket.Conn
	guardID string
}

// WebSocket upgrades the request and streams patrol events until the
// client goes away. ?guard_id= restricts the feed to one guard.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &liveClient{
		hub:     h.events,
		sub:     h.events.Subscribe("websocket", clientBuffer),
		conn:    conn,
		guardID: r.URL.Query().Get("guard_id"),
	}
	metrics.WebsocketClients.Inc()
	logging.Debug().Uint64("client_id", c.sub.ID()).Str("guard_id", c.guardID).Msg("live feed client connected")

	go c.writePump()
	go c.readPump()
}

// readPump only watches for the peer closing; clients send nothing useful.
func (c *liveClient) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		_ = c.conn.Close()
		metrics.WebsocketClients.Dec()
		logging.Debug().Uint64("client_id", c.sub.ID()).Uint64("dropped", c.sub.Dropped()).Msg("live feed client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode live event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveClient) wants(ev patrol.Event) bool {
	return c.guardID == "" || ev.GuardID == c.guardID
}
