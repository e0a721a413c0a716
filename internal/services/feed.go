package services

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedMessage is one event pushed over the automation run feed.
type FeedMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// FeedClient is one connected dashboard subscriber.
type FeedClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan FeedMessage
	Hub  *FeedHub
}

// FeedHub fans automation run summaries out to connected dashboards. Slow
// consumers are dropped rather than allowed to back up the engine.
type FeedHub struct {
	clients    map[string]*FeedClient
	broadcast  chan FeedMessage
	register   chan *FeedClient
	unregister chan *FeedClient
	mutex      sync.RWMutex
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin checks are handled by the CORS layer
	},
}

func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:    make(map[string]*FeedClient),
		broadcast:  make(chan FeedMessage, 64),
		register:   make(chan *FeedClient),
		unregister: make(chan *FeedClient),
	}
}

func (h *FeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			logrus.Infof("feed: client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("feed: client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.RLock()
			for _, client := range h.clients {
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// BroadcastRun pushes a run summary to all subscribers without blocking the
// engine when the hub is saturated.
func (h *FeedHub) BroadcastRun(summary *AutomationRunSummary) {
	msg := FeedMessage{
		Type:      "automation-run",
		Data:      summary,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		logrus.Warn("feed: broadcast buffer full, dropping run event")
	}
}

func (h *FeedHub) HandleWebSocket(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("feed: upgrade failed:", err)
		return
	}

	client := &FeedClient{
		ID:   fmt.Sprintf("client_%d", time.Now().UnixNano()),
		Conn: conn,
		Send: make(chan FeedMessage, 256),
		Hub:  h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *FeedHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump drains the connection so pings/pongs and close frames are
// processed. The feed is one-way; inbound payloads are discarded.
func (c *FeedClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("feed: read error: %v", err)
			}
			break
		}
	}
}

func (c *FeedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				logrus.Error("feed: WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
