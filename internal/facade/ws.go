package facade

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSClient is one connected WebSocket subscriber.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]struct{}
}

// canSubscribe reports whether the client may subscribe to topic. It
// performs no check and accepts every topic from any connected client.
func (c *WSClient) canSubscribe(topic string) bool {
	return true
}

func (c *WSClient) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *WSClient) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *WSClient) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.topics["*"]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

type wsCommand struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("facade: websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	s.logger.Debug("facade: websocket client connected", "client", client.id)

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) readPump(c *WSClient) {
	defer s.disconnect(c)
	c.conn.SetReadLimit(4096)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError(c, "invalid command")
			continue
		}
		switch strings.ToLower(cmd.Action) {
		case "subscribe":
			if !c.canSubscribe(cmd.Topic) {
				s.sendError(c, "cannot subscribe to "+cmd.Topic)
				continue
			}
			c.subscribe(cmd.Topic)
		case "unsubscribe":
			c.unsubscribe(cmd.Topic)
		default:
			s.sendError(c, "unknown action "+cmd.Action)
		}
	}
}

func (s *Server) writePump(c *WSClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(c *WSClient, msg string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": msg})
	select {
	case c.send <- payload:
	default:
	}
}

func (s *Server) disconnect(c *WSClient) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	close(c.send)
	s.logger.Debug("facade: websocket client disconnected", "client", c.id)
}
