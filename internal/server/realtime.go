package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tinybase/tinybase/internal/bus"
	"github.com/tinybase/tinybase/internal/engine"
	"github.com/tinybase/tinybase/internal/rules"
	"github.com/tinybase/tinybase/internal/schema"
)

// clientMessage is a realtime control frame from the client.
type clientMessage struct {
	Action     string `json:"action"` // subscribe | unsubscribe
	Collection string `json:"collection"`
	Filter     string `json:"filter,omitempty"`
}

// serverFrame is a realtime frame pushed to the client. Event is a mutation
// kind, "gap" when buffered events were dropped, or "error".
type serverFrame struct {
	Event      string         `json:"event"`
	Collection string         `json:"collection,omitempty"`
	Record     map[string]any `json:"record,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ses, err := s.session(r)
	if err != nil {
		unauthorized(w, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	c := &realtimeConn{
		srv:  s,
		ses:  ses,
		conn: conn,
		subs: map[string]*subscriptionHandle{},
	}
	c.run()
}

type subscriptionHandle struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
}

// realtimeConn is one websocket connection with its active subscriptions.
// gorilla/websocket allows a single concurrent writer, so all frame writes
// go through writeMu.
type realtimeConn struct {
	srv  *Server
	ses  engine.Session
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscriptionHandle
}

// run reads control messages until the connection drops. Disconnecting
// releases every subscription buffer immediately.
func (c *realtimeConn) run() {
	defer func() {
		c.mu.Lock()
		for _, h := range c.subs {
			h.cancel()
			h.sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
		c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			c.unsubscribe(msg.Collection)
		default:
			c.write(serverFrame{Event: "error", Detail: "unknown action " + msg.Action})
		}
	}
}

func (c *realtimeConn) subscribe(msg clientMessage) {
	if msg.Collection == "" {
		c.write(serverFrame{Event: "error", Detail: "subscribe needs a collection"})
		return
	}
	accept, err := c.srv.acceptFor(c.ses, msg.Filter)
	if err != nil {
		c.write(serverFrame{Event: "error", Collection: msg.Collection, Detail: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := c.srv.bus.Subscribe(msg.Collection, accept)

	c.mu.Lock()
	if prev, ok := c.subs[msg.Collection]; ok {
		prev.cancel()
		prev.sub.Close()
	}
	c.subs[msg.Collection] = &subscriptionHandle{sub: sub, cancel: cancel}
	c.mu.Unlock()

	go c.pump(ctx, msg.Collection, sub)
}

func (c *realtimeConn) unsubscribe(collection string) {
	c.mu.Lock()
	h, ok := c.subs[collection]
	if ok {
		delete(c.subs, collection)
	}
	c.mu.Unlock()
	if ok {
		h.cancel()
		h.sub.Close()
	}
}

// pump forwards one subscription's deliveries to the socket.
func (c *realtimeConn) pump(ctx context.Context, collection string, sub *bus.Subscription) {
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if d.Gap {
			c.write(serverFrame{Event: "gap", Collection: collection})
			continue
		}
		c.write(serverFrame{
			Event:      string(d.Event.Kind),
			Collection: d.Event.Collection,
			Record:     d.Event.Record,
		})
	}
}

func (c *realtimeConn) write(frame serverFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.srv.log.Debug("realtime write failed", "error", err)
	}
}

// acceptFor builds the publish-time visibility check for one subscription:
// the subscriber's own view rule, re-evaluated per event against the
// subscriber's identity, intersected with its optional filter. A permissive
// publisher never widens what a subscriber may see.
func (s *Server) acceptFor(ses engine.Session, filterSrc string) (func(bus.Event) bool, error) {
	var filter *rules.Rule
	if filterSrc != "" {
		parsed, err := rules.Parse(filterSrc)
		if err != nil {
			return nil, err
		}
		filter = parsed
	}

	admin := ses.Auth != nil && ses.Auth.Admin
	var claims map[string]any
	if ses.Auth != nil {
		claims = ses.Auth.Claims
	}

	return func(e bus.Event) bool {
		ctx := rules.Context{Auth: claims, Record: e.Record}
		if !admin {
			entry, ok := s.reg.Lookup(e.Collection)
			if !ok {
				return false
			}
			rule := entry.Rule(schema.OpView)
			if rule == nil || !rules.Evaluate(rule, ctx) {
				return false
			}
		}
		if filter != nil && !rules.Evaluate(filter, ctx) {
			return false
		}
		return true
	}, nil
}
