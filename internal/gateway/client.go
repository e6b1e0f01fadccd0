package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// connState is the connection state machine from spec.md §4.6:
// connecting -> authenticating -> active <-> degraded -> closing -> closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateDegraded
	stateClosing
	stateClosed
)

// client is one live WebSocket connection, adapted from the teacher's
// src/connection.go Client type: send buffer, slow-client detection by
// consecutive failed sends, and a per-connection rate limiter, now
// backed by golang.org/x/time/rate instead of the teacher's hand-rolled
// token counter.
type client struct {
	connID   string
	conn     net.Conn
	userID   uuid.UUID
	deviceClass string

	send      chan []byte
	limiter   *rate.Limiter
	state     atomic.Int32
	closeOnce sync.Once

	subsMu sync.RWMutex
	subs   map[uuid.UUID]struct{}

	sendFailures  atomic.Int32
	lastHeartbeat atomic.Int64 // unix millis
}

func newClient(connID string, conn net.Conn, userID uuid.UUID, deviceClass string, sendBuffer int, limiter *rate.Limiter) *client {
	c := &client{
		connID: connID, conn: conn, userID: userID, deviceClass: deviceClass,
		send: make(chan []byte, sendBuffer), limiter: limiter,
		subs: make(map[uuid.UUID]struct{}),
	}
	c.state.Store(int32(stateConnecting))
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	return c
}

func (c *client) setState(s connState) { c.state.Store(int32(s)) }
func (c *client) getState() connState  { return connState(c.state.Load()) }

func (c *client) subscribe(channelID uuid.UUID) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[channelID] = struct{}{}
}

func (c *client) unsubscribe(channelID uuid.UUID) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, channelID)
}

func (c *client) isSubscribed(channelID uuid.UUID) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[channelID]
	return ok
}

func (c *client) subscribedChannels() []uuid.UUID {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]uuid.UUID, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// enqueue performs a non-blocking send, matching the teacher's
// never-block-the-broadcaster pattern (src/server.go broadcast). The
// caller is expected to drop the client after repeated consecutive
// failures (Hub.fanout kicks it at 3).
func (c *client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		c.sendFailures.Store(0)
		return true
	default:
		c.sendFailures.Add(1)
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
