// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wstransport exposes the sync engine over websocket
// connections. Each connection is one client: a read loop handles
// subscribe and ack messages, a write loop delivers matched changes
// and keeps the connection alive with pings.
package wstransport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/contextsync/contextsync/core/change"
	"github.com/contextsync/contextsync/core/subscription"
)

var logger = loggo.GetLogger("contextsync.wstransport")

const (
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at a fraction of it.
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second

	// sendBuffer bounds the per-connection outbound queue. A full
	// buffer fails the send, which places the change on the engine's
	// redelivery queue instead.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SyncEngine is the part of the engine the transport drives.
type SyncEngine interface {
	Subscribe(clientID string, filters []subscription.Filter) error
	Unsubscribe(clientID string)
	ClientDisconnected(clientID string)
	ClientReconnected(clientID string) error
	Acknowledge(clientID, changeID string)
}

// Server upgrades websocket connections and routes deliveries to them
// by client id. It is the engine's Transport.
type Server struct {
	engine SyncEngine

	mu    sync.Mutex
	conns map[string]*clientConn
}

// NewServer returns a transport serving the given engine.
func NewServer(engine SyncEngine) *Server {
	return &Server{
		engine: engine,
		conns:  make(map[string]*clientConn),
	}
}

// ServeHTTP upgrades the request to a websocket sync session. The
// client id comes from the "client" query parameter; a fresh id is
// assigned when absent, letting a reconnecting client resume its
// queued deliveries by presenting the same id.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	clientID := req.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	s.serve(clientID, ws)
}

// Send is part of the sync Transport contract: it delivers a change
// to the identified client's connection.
func (s *Server) Send(clientID string, ch change.Change) error {
	s.mu.Lock()
	conn, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return errors.NotFoundf("connection for client %q", clientID)
	}
	msg := serverMessage{Type: MessageChange, Change: &ch}
	select {
	case conn.send <- msg:
		return nil
	case <-conn.tomb.Dying():
		return errors.Errorf("client %q connection closing", clientID)
	default:
		return errors.Errorf("client %q send buffer full", clientID)
	}
}

// Connected reports whether a client currently has a live connection.
func (s *Server) Connected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[clientID]
	return ok
}

func (s *Server) serve(clientID string, ws *websocket.Conn) {
	conn := &clientConn{
		clientID: clientID,
		ws:       ws,
		send:     make(chan serverMessage, sendBuffer),
		engine:   s.engine,
	}
	s.mu.Lock()
	if old, exists := s.conns[clientID]; exists {
		// A new connection for the same client replaces the old one.
		old.tomb.Kill(nil)
	}
	s.conns[clientID] = conn
	s.mu.Unlock()

	// A returning client with a surviving subscription resumes it.
	if err := s.engine.ClientReconnected(clientID); err == nil {
		logger.Debugf("client %s reconnected", clientID)
	}

	conn.tomb.Go(conn.readLoop)
	conn.tomb.Go(conn.writeLoop)
	if err := conn.tomb.Wait(); err != nil {
		logger.Debugf("client %s session ended: %v", clientID, err)
	}

	s.mu.Lock()
	if s.conns[clientID] == conn {
		delete(s.conns, clientID)
		s.mu.Unlock()
		s.engine.ClientDisconnected(clientID)
	} else {
		s.mu.Unlock()
	}
}

type clientConn struct {
	tomb     tomb.Tomb
	clientID string
	ws       *websocket.Conn
	send     chan serverMessage
	engine   SyncEngine
}

func (c *clientConn) readLoop() error {
	defer c.ws.Close()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.Trace(err)
			}
			return nil
		}
		switch msg.Type {
		case MessageSubscribe:
			if err := c.engine.Subscribe(c.clientID, msg.Filters); err != nil {
				c.reportError(err)
			}
		case MessageUnsubscribe:
			c.engine.Unsubscribe(c.clientID)
		case MessageAck:
			c.engine.Acknowledge(c.clientID, msg.ChangeID)
		default:
			c.reportError(errors.NotValidf("message type %q", msg.Type))
		}
	}
}

func (c *clientConn) reportError(err error) {
	select {
	case c.send <- serverMessage{Type: MessageError, Error: err.Error()}:
	case <-c.tomb.Dying():
	}
}

func (c *clientConn) writeLoop() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case <-c.tomb.Dying():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return tomb.ErrDying
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return errors.Trace(err)
			}
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				return errors.Trace(err)
			}
		}
	}
}
