// Package gateway is the WebSocket transport: readPump/writePump per
// connection, ping/pong keepalive, and dispatch of inbound intents into
// SessionCoordinator. Grounded on the teacher's gateway.Connection/
// Gateway — same upgrader, same per-connection buffered Send channel
// with select+default drop-on-full, same readPump/writePump split —
// generalized from a protobuf ClientEnvelope/ServerEnvelope pair to a
// JSON intent envelope, since spec §4.3 mandates JSON events and HTTP
// framing/CORS are out of scope for the core.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storyforge/internal/broadcast"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/lobby"
	"storyforge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit      = 65536
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
)

// intentEnvelope is the inbound message shape: a tagged type plus its
// raw payload, the JSON analogue of the teacher's protobuf
// ClientEnvelope oneof.
type intentEnvelope struct {
	Type    string          `json:"type"`
	GameID  string          `json:"game_id"`
	Payload json.RawMessage `json:"payload"`
}

// errorEnvelope is what a rejected intent gets back.
type errorEnvelope struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// resultEnvelope carries the direct reply to an intent that returns a
// value (room creation, game start) rather than only a state change
// the subscriber stream will pick up.
type resultEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Connection is one upgraded WebSocket client.
type Connection struct {
	ID      string
	UserID  string
	conn    *websocket.Conn
	send    chan broadcast.Event
	gateway *Server
	sub     *broadcast.Subscriber
}

// Server dispatches upgraded connections to the SessionCoordinator.
// It holds no per-game state of its own beyond the live connection set
// needed to clean up on disconnect.
type Server struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	nextConnID  uint64
	coordinator *session.Coordinator
	promoter    *lobby.Promoter
}

// New creates a Server bound to a SessionCoordinator and the Promoter
// that handles pre-game room lifecycle intents (create/join/ready/
// start), the same way the teacher's single Gateway dispatches both
// table play and lobby messages off one oneof.
func New(coord *session.Coordinator, promoter *lobby.Promoter) *Server {
	return &Server{
		connections: make(map[string]*Connection),
		coordinator: coord,
		promoter:    promoter,
	}
}

// HandleWebSocket upgrades the request and starts the connection's
// read/write pumps. userID is resolved by the caller (authentication is
// out of scope for this module) and passed via the handler closure.
func (s *Server) HandleWebSocket(userID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] upgrade: %v", err)
			return
		}

		s.mu.Lock()
		s.nextConnID++
		connID := "conn_" + itoa(s.nextConnID)
		s.mu.Unlock()

		c := &Connection{
			ID:      connID,
			UserID:  userID,
			conn:    wsConn,
			send:    make(chan broadcast.Event, 256),
			gateway: s,
			sub:     broadcast.NewSubscriber(connID),
		}

		s.mu.Lock()
		s.connections[connID] = c
		s.mu.Unlock()

		log.Printf("[gateway] client connected: %s (user=%s), total=%d", connID, userID, len(s.connections))

		go c.pumpSubscriberEvents()
		go c.writePump()
		c.readPump()
	}
}

// pumpSubscriberEvents relays events delivered on the broadcast
// Subscriber into this connection's own send channel, bridging the
// Hub's fan-out buffer to the WebSocket writer's buffer.
func (c *Connection) pumpSubscriberEvents() {
	for ev := range c.sub.Send {
		select {
		case c.send <- ev:
		default:
			log.Printf("[gateway] dropped event %s for %s: send buffer full", ev.Type, c.ID)
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.gateway.removeConnection(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[gateway] read error on %s: %v", c.ID, err)
			}
			break
		}
		c.handleMessage(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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

func (c *Connection) handleMessage(data []byte) {
	var env intentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("", "invalid_argument", "malformed intent envelope")
		return
	}

	ctx := context.Background()
	coord := c.gateway.coordinator

	switch env.Type {
	case "subscribe":
		if err := coord.Subscribe(ctx, env.GameID, c.UserID, c.sub); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "propose_action":
		var p struct {
			Text        string `json:"text"`
			CharacterID string `json:"character_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if _, err := coord.ProposeAction(ctx, env.GameID, c.UserID, p.Text, p.CharacterID); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "suggest_action":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if err := coord.SuggestAction(ctx, env.GameID, c.UserID, p.Text); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "mark_continue":
		var p struct {
			Ready bool `json:"ready"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if err := coord.MarkContinue(ctx, env.GameID, c.UserID, p.Ready); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "post_message":
		var p struct {
			Content string             `json:"content"`
			Type    domain.MessageType `json:"type"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if p.Type == "" {
			p.Type = domain.MessageTypeChat
		}
		if err := coord.PostMessage(ctx, env.GameID, c.UserID, p.Content, p.Type); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "leave_game":
		if err := coord.LeaveGame(ctx, env.GameID, c.UserID); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "update_settings":
		var patch domain.GameSettings
		if err := json.Unmarshal(env.Payload, &patch); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if err := coord.UpdateSettings(ctx, env.GameID, c.UserID, patch); err != nil {
			c.sendError(env.Type, codeOf(err), err.Error())
		}

	case "create_room":
		var p struct {
			Name        string              `json:"name"`
			WorldID     string              `json:"world_id"`
			Settings    domain.GameSettings `json:"settings"`
			MaxChapters int                 `json:"max_chapters"`
			MaxPlayers  int                 `json:"max_players"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		room, inviteCode, err := c.gateway.promoter.CreateRoom(ctx, p.Name, p.WorldID, c.UserID, p.Settings, p.MaxChapters, p.MaxPlayers)
		if err != nil {
			c.sendError(env.Type, "failed_precondition", err.Error())
			return
		}
		c.sendResult(env.Type, struct {
			Room       *domain.Room `json:"room"`
			InviteCode string       `json:"invite_code"`
		}{room, inviteCode})

	case "join_room":
		var p struct {
			RoomID      string `json:"room_id"`
			InviteCode  string `json:"invite_code"`
			CharacterID string `json:"character_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if err := c.gateway.promoter.JoinRoom(ctx, p.RoomID, c.UserID, p.InviteCode, p.CharacterID); err != nil {
			c.sendError(env.Type, promoterCodeOf(err), err.Error())
		}

	case "set_ready":
		var p struct {
			RoomID string `json:"room_id"`
			Ready  bool   `json:"ready"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		if err := c.gateway.promoter.SetReady(ctx, p.RoomID, c.UserID, p.Ready); err != nil {
			c.sendError(env.Type, "failed_precondition", err.Error())
		}

	case "start_game":
		var p struct {
			RoomID string `json:"room_id"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError(env.Type, "invalid_argument", "malformed payload")
			return
		}
		gameID, err := c.gateway.promoter.StartGameFromRoom(ctx, p.RoomID, c.UserID)
		if err != nil {
			c.sendError(env.Type, "failed_precondition", err.Error())
			return
		}
		c.sendResult(env.Type, struct {
			GameID string `json:"game_id"`
		}{gameID})

	default:
		c.sendError(env.Type, "invalid_argument", "unknown intent type")
	}
}

func codeOf(err error) string {
	if sessErr, ok := err.(*session.Error); ok {
		return string(sessErr.Code)
	}
	return "unknown"
}

// promoterCodeOf maps the lobby package's sentinel errors to the same
// error-code vocabulary mapEngineErr uses for session.Coordinator,
// since lobby.Promoter produces a couple of the same engine sentinels
// (ErrAlreadyMember, ErrGameFull) without routing through a session.Error.
func promoterCodeOf(err error) string {
	switch {
	case errors.Is(err, engine.ErrAlreadyMember):
		return "conflict"
	case errors.Is(err, engine.ErrGameFull):
		return "precondition_failed"
	default:
		return "failed_precondition"
	}
}

func (c *Connection) sendError(intentType, code, msg string) {
	data, _ := json.Marshal(errorEnvelope{Type: intentType, Code: code, Error: msg})
	select {
	case c.send <- broadcast.Event{Type: "error", Data: data}:
	default:
	}
}

func (c *Connection) sendResult(intentType string, data any) {
	payload, err := json.Marshal(resultEnvelope{Type: intentType + "_result", Data: data})
	if err != nil {
		log.Printf("[gateway] marshal result for %s: %v", intentType, err)
		return
	}
	select {
	case c.send <- broadcast.Event{Type: intentType + "_result", Data: payload}:
	default:
		log.Printf("[gateway] dropped result for %s: send buffer full", c.ID)
	}
}

func (s *Server) removeConnection(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c.ID)
	s.mu.Unlock()
	s.coordinator.Unsubscribe(c.sub)
	log.Printf("[gateway] client disconnected: %s", c.ID)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
