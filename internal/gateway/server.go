package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
)

// Server upgrades HTTP connections to WebSocket and drives each
// client's read/write pumps, grounded on the teacher's src/server.go
// handleWebSocket/readPump/writePump trio built on gobwas/ws.
type Server struct {
	hub          *Hub
	log          zerolog.Logger
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func NewServer(hub *Hub, log zerolog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

// HandleWS is the net/http handler mounted at /ws/v1.
func (srv *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if srv.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	token, err := auth.ExtractBearer(r)
	if err != nil {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := srv.hub.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	deviceClass := r.URL.Query().Get("deviceClass")
	connID := uuid.NewString()
	c := newClient(connID, conn, identity.UserID, deviceClass, srv.hub.cfg.MaxOutboundBuffer, srv.hub.limiterFor())
	c.setState(stateAuthenticating)

	if err := srv.hub.bindClient(r.Context(), c); err != nil {
		srv.log.Warn().Err(err).Msg("bind client failed")
		c.close()
		return
	}

	welcome, _ := encodeFrame(FrameWelcome, WelcomePayload{
		ConnID: connID, HeartbeatMs: srv.hub.cfg.HeartbeatInterval.Milliseconds(),
	})
	c.enqueue(welcome)

	srv.wg.Add(2)
	go srv.writePump(c)
	go srv.readPump(c)
}

func (srv *Server) readPump(c *client) {
	defer func() {
		srv.wg.Done()
		ctx := context.Background()
		srv.hub.unbindClient(ctx, c)
		c.close()
	}()

	// MaxMissedHeartbeats is enforced through the read deadline: a
	// connection may go HeartbeatInterval*MaxMissedHeartbeats (pongWait
	// when either is unset) without a data frame, such as a "ping"
	// frame, before the deadline fires and this loop returns. Control
	// frames handled inside wsutil (a pong reply to our periodic ping)
	// do not reset the deadline.
	readWait := pongWait
	if srv.hub.cfg.HeartbeatInterval > 0 && srv.hub.cfg.MaxMissedHeartbeats > 0 {
		readWait = srv.hub.cfg.HeartbeatInterval * time.Duration(srv.hub.cfg.MaxMissedHeartbeats)
	}
	c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.lastHeartbeat.Store(time.Now().UnixMilli())

		if op != ws.OpText {
			continue
		}
		if !c.limiter.Allow() {
			srv.sendError(c, "rate_limited", "too many messages, slow down")
			continue
		}
		srv.dispatch(c, data)
	}
}

func (srv *Server) writePump(c *client) {
	ticker := time.NewTicker(srv.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		srv.wg.Done()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (srv *Server) dispatch(c *client, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		srv.sendError(c, "bad_frame", "invalid json")
		return
	}

	ctx := context.Background()
	switch frame.Type {
	case FramePublish:
		var p PublishPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			srv.sendError(c, "bad_frame", "invalid publish payload")
			return
		}
		result, err := srv.hub.handlePublish(ctx, c, p)
		if err != nil {
			srv.sendAppErr(c, err)
			return
		}
		if payload, err := encodeFrame(FrameAckResult, result); err == nil {
			c.enqueue(payload)
		}

	case FrameAck:
		var p AckPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			srv.sendError(c, "bad_frame", "invalid ack payload")
			return
		}
		if err := srv.hub.handleAck(ctx, c, p); err != nil {
			srv.sendAppErr(c, err)
		}

	case FrameSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			srv.sendError(c, "bad_frame", "invalid subscribe payload")
			return
		}
		for _, channelID := range p.ChannelIDs {
			if err := srv.hub.subscribe(ctx, c, channelID); err != nil {
				srv.sendAppErr(c, err)
				continue
			}
			if err := srv.hub.catchUp(ctx, c, channelID, 0); err != nil {
				srv.log.Warn().Err(err).Str("channelId", channelID.String()).Msg("resync catch-up failed")
			}
		}

	case FrameUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		for _, channelID := range p.ChannelIDs {
			srv.hub.unsubscribe(c, channelID)
		}

	case FramePing:
		if payload, err := encodeFrame(FramePong, nil); err == nil {
			c.enqueue(payload)
		}

	case FrameHello:
		// Hello is consumed implicitly by the upgrade handshake (token
		// is a query parameter/header); a post-connect hello frame with
		// lastSeqByChannel drives per-channel resync instead of a bare
		// subscribe, handled the same way subscribe is.
		var p HelloPayload
		if err := json.Unmarshal(frame.Data, &p); err == nil {
			for channelIDStr, afterSeq := range p.LastSeqByChan {
				channelID, err := uuid.Parse(channelIDStr)
				if err != nil {
					continue
				}
				if err := srv.hub.subscribe(ctx, c, channelID); err != nil {
					continue
				}
				_ = srv.hub.catchUp(ctx, c, channelID, afterSeq)
			}
		}

	default:
		srv.sendError(c, "unknown_frame_type", string(frame.Type))
	}
}

func (srv *Server) sendError(c *client, code, message string) {
	if payload, err := encodeFrame(FrameError, ErrorPayload{Code: code, Message: message}); err == nil {
		c.enqueue(payload)
	}
}

func (srv *Server) sendAppErr(c *client, err error) {
	srv.sendError(c, string(apperr.KindOf(err)), err.Error())
}

// Shutdown stops accepting new connections and waits for in-flight read
// pumps to drain, adapted from the teacher's Server.Shutdown grace
// period.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.shuttingDown.Store(true)

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
