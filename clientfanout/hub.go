// Package clientfanout implements the Client Fan-out (component J, spec
// §4.J): a websocket session registry that pushes a full snapshot on
// connect, a targeted delta on every relevant event publish, and answers
// ad hoc loadData requests only to the requesting session.
//
// The session/hub shape (register/unregister/broadcast channels feeding
// one owning goroutine, a buffered per-client send channel drained by its
// own write pump) is grounded on
// other_examples/.../o4t9me-websocket-notification-hub-goroutine-leak-fix's
// Hub/Client, adapted from that example's topic-subscription broadcast to
// racecore's full-snapshot-then-delta model and its gorilla/websocket
// transport carried over unchanged.
package clientfanout

import (
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gorilla/websocket"

	"github.com/paddock/racecore/cmn/nlog"
	"github.com/paddock/racecore/core"
	"github.com/paddock/racecore/eventbus"
	"github.com/paddock/racecore/node"
	"github.com/paddock/racecore/race"
	"github.com/paddock/racecore/resultscache"
	"github.com/paddock/racecore/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Envelope is one wire message, server->client or client->server.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Session is one connected browser's websocket, the "session" spec §4.J
// snapshots are pushed to and loadData answers are scoped to.
type Session struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub is the Client Fan-out (component J): it owns the live session set
// and every piece of state a snapshot or delta needs to read.
type Hub struct {
	store       *store.Store
	cache       *resultscache.Cache
	raceState   *core.RaceState
	controller  *race.Controller
	adapter     node.Adapter
	bus         *eventbus.Bus

	register   chan *Session
	unregister chan *Session

	mu       sync.Mutex
	sessions map[*Session]bool

	stopHeartbeat chan struct{}
}

func New(st *store.Store, cache *resultscache.Cache, raceState *core.RaceState, controller *race.Controller, adapter node.Adapter, bus *eventbus.Bus) *Hub {
	h := &Hub{
		store:         st,
		cache:         cache,
		raceState:     raceState,
		controller:    controller,
		adapter:       adapter,
		bus:           bus,
		register:      make(chan *Session),
		unregister:    make(chan *Session),
		sessions:      map[*Session]bool{},
		stopHeartbeat: make(chan struct{}),
	}
	h.subscribeDeltas()
	go h.Run()
	go h.runHeartbeat()
	return h
}

// Run owns session registration; it never touches a session's send
// channel from outside this goroutine except through Session.enqueue,
// which the broadcast/unicast helpers call directly (grounded on the
// source example's Hub.Run select loop).
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			h.mu.Unlock()
			h.pushSnapshot(s)
		case s := <-h.unregister:
			h.mu.Lock()
			if h.sessions[s] {
				delete(h.sessions, s)
				close(s.send)
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades an HTTP connection to a Session and starts its pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		nlog.Warningln("clientfanout: upgrade failed,", err)
		return
	}
	s := &Session{id: conn.RemoteAddr().String(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register <- s
	go s.writePump()
	go s.readPump()
}

func (s *Session) enqueue(env Envelope) {
	b, err := json.Marshal(&env)
	if err != nil {
		nlog.Warningln("clientfanout: marshal envelope failed,", err)
		return
	}
	select {
	case s.send <- b:
	default:
		// Slow reader: drop rather than block the hub goroutine or the
		// publisher that triggered this push.
		nlog.Warningln("clientfanout: session send buffer full, dropping push, session =", s.id)
	}
}

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			nlog.Warningln("clientfanout: invalid client envelope,", err)
			continue
		}
		s.hub.dispatchClientMessage(s, env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast pushes env to every connected session.
func (h *Hub) broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.enqueue(env)
	}
}

// Shutdown implements spec §4.J's "publish SHUTDOWN, then stop
// background tasks, then terminate the transport": it is called after
// eventbus.Shutdown has already been published, closes every session
// and stops the heartbeat ticker.
func (h *Hub) Shutdown() {
	close(h.stopHeartbeat)
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.conn.Close()
	}
}
