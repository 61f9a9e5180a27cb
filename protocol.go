package main

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients. One struct, tagged by Type, decoded once
// at the boundary.
type clientMessage struct {
	Type string `json:"type"` // "gameType", "navigate", "scroll", "hint", "backlinks"

	Mode string `json:"mode,omitempty"` // gameType: "pair", "new", or "join"
	ID   string `json:"id,omitempty"`   // gameType: session id for "join"

	Page string `json:"page,omitempty"` // navigate

	Top   *float64 `json:"top,omitempty"`   // scroll
	Width *float64 `json:"width,omitempty"` // scroll
}

// Messages sent to clients.
type gameMessage struct {
	Type     string `json:"type"` // "game"
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
}

type connectionMessage struct {
	Type       string `json:"type"` // "connection"
	OpponentID string `json:"opponentId"`
}

type startMessage struct {
	Type   string `json:"type"` // "start"
	Origin string `json:"origin"`
	Goal   string `json:"goal"`
}

type navigatedMessage struct {
	Type     string `json:"type"` // "navigated"
	PlayerID string `json:"playerId"`
	Page     string `json:"page"`
}

type scrolledMessage struct {
	Type     string  `json:"type"` // "scrolled"
	PlayerID string  `json:"playerId"`
	Top      float64 `json:"top"`
	Width    float64 `json:"width"`
}

type hintMessage struct {
	Type string `json:"type"` // "hint"
	Hint string `json:"hint"`
}

type backlinksMessage struct {
	Type      string   `json:"type"`            // "backlinks"
	Error     string   `json:"error,omitempty"` // set when the lookup failed
	Backlinks []string `json:"backlinks"`
}

type outcomeMessage struct {
	Type string `json:"type"` // "won" or "lost"
}

type pathsMessage struct {
	Type  string              `json:"type"` // "paths"
	Paths map[string][]string `json:"paths"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// client owns the write side of one websocket connection. Messages are
// enqueued on a buffered channel and drained by writePump; after shutdown
// (or a full buffer) the connection is closed and further enqueues are
// dropped.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan any
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan any, 16),
	}
}

func (c *client) enqueue(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		// Slow consumer; drop the connection rather than block a session.
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Per-connection protocol states.
const (
	stateNoSession = iota
	stateInSession
)

// SessionProtocol drives one connection: it decodes the inbound stream,
// routes the single allowed handshake to the pool, and forwards in-game
// messages to the session. All state lives on the read loop's goroutine.
type SessionProtocol struct {
	cfg    *Config
	pool   *MatchPool
	client *client
	player *Player

	state   int
	session *GameSession
}

func newSessionProtocol(cfg *Config, pool *MatchPool, conn *websocket.Conn) *SessionProtocol {
	c := newClient(conn)
	return &SessionProtocol{
		cfg:    cfg,
		pool:   pool,
		client: c,
		player: newPlayer(c),
	}
}

// run reads until the connection drops, then tears down the session.
func (sp *SessionProtocol) run() {
	go sp.client.writePump()

	defer func() {
		if sp.session != nil {
			sp.session.disconnect(sp.player)
			sp.pool.disconnected(sp.session)
		}
		sp.client.shutdown()
		_ = sp.client.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := sp.client.conn.ReadJSON(&msg); err != nil {
			return
		}

		sp.dispatch(msg)
	}
}

func (sp *SessionProtocol) dispatch(msg clientMessage) {
	switch msg.Type {
	case "gameType":
		if sp.state != stateNoSession {
			// Only one handshake per connection.
			return
		}
		sp.handshake(msg)

	case "navigate":
		if sp.state != stateInSession || msg.Page == "" {
			return
		}
		page := msg.Page
		if decoded, err := url.PathUnescape(page); err == nil {
			page = decoded
		}
		sp.session.navigate(sp.player, page)

	case "scroll":
		if sp.state != stateInSession || msg.Top == nil || msg.Width == nil {
			return
		}
		sp.session.notifyScroll(sp.player, *msg.Top, *msg.Width)

	case "hint":
		if sp.state != stateInSession {
			return
		}
		sp.session.hint(sp.player)

	case "backlinks":
		if sp.state != stateInSession {
			return
		}
		sp.session.backlinks(sp.player)

	default:
		// Unknown inbound types are ignored.
	}
}

// handshake routes the gameType message to the pool. Failures are
// terminal: the client gets one error message and the connection closes.
func (sp *SessionProtocol) handshake(msg clientMessage) {
	var (
		s   *GameSession
		err error
	)

	switch msg.Mode {
	case "pair":
		s, err = sp.pool.pair(sp.player)
	case "new":
		s, err = sp.pool.new(sp.player)
	case "join":
		s, err = sp.pool.join(sp.player, msg.ID)
	default:
		sp.fail("invalid game type")
		return
	}

	if err != nil {
		sp.fail(err.Error())
		return
	}

	sp.session = s
	sp.state = stateInSession
}

func (sp *SessionProtocol) fail(reason string) {
	sp.client.enqueue(errorMessage{
		Type:    "error",
		Message: reason,
	})
	sp.client.shutdown()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWebSocket upgrades the connection and hands it to a new
// SessionProtocol. The handshake is gated on catalog readiness so a game
// never starts against an empty catalog.
func serveWebSocket(cfg *Config, pool *MatchPool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := pool.catalog.waitReady(r.Context()); err != nil {
			http.Error(w, errCatalogNotReady.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: websocket upgrade: %v", err)
			return
		}

		newSessionProtocol(cfg, pool, conn).run()
	}
}
