// Package router implements the Message Router: the single WebSocket
// ingress, owner-freshness gating, and envelope (de)serialization. It
// forwards every inbound frame to the State Synchronizer as an Intent and
// implements synchronizer.Bus to deliver outbound broadcasts and per-
// connection replies back out over the wire. Grounded on the reference
// Python's ws.py websocket_endpoint/_handle_owner_message, adapted from a
// single-owner-only sender to fan-out-to-observers per the broadcast
// contract, using gofiber/websocket/v2 in place of the reference server's
// long-polling transport.
package router

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"shogikifu/internal/synchronizer"
)

// Envelope is the wire shape of every WS frame, in either direction.
type Envelope struct {
	Type       string `json:"type"`
	Payload    any    `json:"payload,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	OwnerToken string `json:"owner_token,omitempty"`
}

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex

	identityMu sync.Mutex // guards sessionID/ownerToken below
	sessionID  string
	ownerToken string
}

// setIdentity records the session/owner token granted to this connection.
// Called from SendTo on the Synchronizer's goroutine.
func (c *conn) setIdentity(sessionID, ownerToken string) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.sessionID = sessionID
	c.ownerToken = ownerToken
}

// identity returns the connection's current session/owner token. Called
// from the connection's own reader goroutine (connection_closed) and from
// KickOwner on the Synchronizer's goroutine.
func (c *conn) identity() (sessionID, ownerToken string) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	return c.sessionID, c.ownerToken
}

// Router owns the live connection set and forwards to the Synchronizer.
type Router struct {
	sync *synchronizer.Synchronizer

	mu    sync.Mutex
	conns map[string]*conn
}

// New builds a Router bound to sync. Call sync's own Bus-setting step
// separately (cmd wiring passes the Router itself as the synchronizer.Bus).
func New(sync *synchronizer.Synchronizer) *Router {
	return &Router{sync: sync, conns: map[string]*conn{}}
}

// HandleConnection drives one WebSocket connection's lifetime: registers
// it, submits connection_opened, reads frames until disconnect, then
// submits connection_closed. Intended to run as the gofiber/websocket/v2
// handler body, one goroutine per connection (the Router's per-connection
// reader role from the concurrency model).
func (r *Router) HandleConnection(ws *websocket.Conn) {
	c := &conn{id: uuid.NewString(), ws: ws}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c.id)
		r.mu.Unlock()
		sessionID, ownerToken := c.identity()
		r.sync.Submit(synchronizer.Intent{
			ConnID: c.id, Type: "connection_closed",
			SessionID: sessionID, OwnerToken: ownerToken,
		})
	}()

	r.sync.Submit(synchronizer.Intent{ConnID: c.id, Type: "connection_opened"})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			r.SendTo(c.id, synchronizer.Outbound{Type: "toast", Payload: map[string]any{
				"level": "error", "message": "invalid JSON frame",
			}})
			continue
		}
		payload, _ := env.Payload.(map[string]any)
		r.sync.Submit(synchronizer.Intent{
			ConnID:     c.id,
			Type:       env.Type,
			Payload:    payload,
			SessionID:  env.SessionID,
			OwnerToken: env.OwnerToken,
		})
	}
}

// SendTo implements synchronizer.Bus. It records granted session/owner
// tokens on the connection so a later KickOwner can find it by token.
func (r *Router) SendTo(connID string, msg synchronizer.Outbound) {
	r.mu.Lock()
	c := r.conns[connID]
	r.mu.Unlock()
	if c == nil {
		return
	}
	if msg.Type == "session:granted" {
		if p, ok := msg.Payload.(map[string]any); ok {
			sid, _ := p["session_id"].(string)
			tok, _ := p["owner_token"].(string)
			c.setIdentity(sid, tok)
		}
	}
	r.write(c, msg)
}

// BroadcastAll implements synchronizer.Bus.
func (r *Router) BroadcastAll(msg synchronizer.Outbound) {
	r.mu.Lock()
	targets := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		r.write(c, msg)
	}
}

// KickOwner implements synchronizer.Bus.
func (r *Router) KickOwner(ownerToken string, reason string) {
	if ownerToken == "" {
		return
	}
	r.mu.Lock()
	var target *conn
	for _, c := range r.conns {
		if _, tok := c.identity(); tok == ownerToken {
			target = c
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		return
	}
	r.write(target, synchronizer.Outbound{Type: "session:kicked", Payload: map[string]any{"reason": reason}})
	target.writeMu.Lock()
	_ = target.ws.Close()
	target.writeMu.Unlock()
}

func (r *Router) write(c *conn, msg synchronizer.Outbound) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(Envelope{Type: msg.Type, Payload: msg.Payload}); err != nil {
		log.Printf("router: write to connection %s failed: %v", c.id, err)
	}
}
