package chattest

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 5 * time.Second
	sendBufSize = 256
)

// frame is the wire shape of every realtime frame.
type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type wsConn struct {
	hub    *hub
	conn   *websocket.Conn
	userID string
	token  string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// hub tracks live connections per user. Frames for one connection are
// queued in order and written by its write pump.
type hub struct {
	mu     sync.Mutex
	conns  map[string]map[*wsConn]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{conns: make(map[string]map[*wsConn]struct{}), logger: logger}
}

// register adds c and reports whether it is the user's first connection.
func (h *hub) register(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*wsConn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	return len(set) == 1
}

// unregister removes c and reports whether the user has no connection left.
func (h *hub) unregister(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		return false
	}
	if _, present := set[c]; !present {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
		return true
	}
	return false
}

func (h *hub) online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID]) > 0
}

func (h *hub) onlineUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// sendTo queues a frame on every connection of each user, in call order.
func (h *hub) sendTo(typ string, payload any, userIDs ...string) {
	data, err := encodeFrame(typ, payload, "")
	if err != nil {
		h.logger.Error("encode frame", "type", typ, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for c := range h.conns[id] {
			c.enqueue(data)
		}
	}
}

// sendAllExcept queues a frame for every connected user but one.
func (h *hub) sendAllExcept(typ string, payload any, except string) {
	data, err := encodeFrame(typ, payload, "")
	if err != nil {
		h.logger.Error("encode frame", "type", typ, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.conns {
		if id == except {
			continue
		}
		for c := range set {
			c.enqueue(data)
		}
	}
}

// revoke sends an UNAUTHORIZED error frame to connections using token, then
// closes them.
func (h *hub) revoke(token string) {
	data, _ := encodeFrame("error", map[string]string{"code": "UNAUTHORIZED", "message": "token revoked"}, "")
	h.mu.Lock()
	var victims []*wsConn
	for _, set := range h.conns {
		for c := range set {
			if c.token == token {
				c.enqueue(data)
				victims = append(victims, c)
			}
		}
	}
	h.mu.Unlock()
	for _, c := range victims {
		go func(c *wsConn) {
			time.Sleep(50 * time.Millisecond)
			c.close()
		}(c)
	}
}

// dropAll closes every connection without a close frame.
func (h *hub) dropAll() {
	h.mu.Lock()
	var all []*wsConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func encodeFrame(typ string, payload any, requestID string) ([]byte, error) {
	f := frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

func (c *wsConn) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.Warn("ws send buffer full, dropping connection", "user", c.userID)
		go c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("ws write", "user", c.userID, "err", err)
				return
			}
		}
	}
}

// readPump handles client commands until the connection ends.
func (c *wsConn) readPump(onCommand func(*wsConn, frame)) {
	defer c.close()
	c.conn.SetReadLimit(64 * 1024)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws read", "user", c.userID, "err", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.hub.logger.Debug("ws bad frame", "user", c.userID, "err", err)
			continue
		}
		onCommand(c, f)
	}
}
