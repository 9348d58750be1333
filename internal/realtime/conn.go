package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Native apps do not send an Origin header worth checking.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one socket. Writes are serialized by writeMu; deviceID is only
// touched by the connection's read goroutine.
type conn struct {
	ws       *websocket.Conn
	session  string
	deviceID string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) writeJSON(v any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeJSONLocked(v, timeout)
}

func (c *conn) writeJSONLocked(v any, timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// ServeHTTP upgrades the request and drives the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		ws:      ws,
		session: uuid.NewString(),
		done:    make(chan struct{}),
	}
	if !h.track(c) {
		c.close()
		return
	}
	defer h.untrack(c)

	log := h.log.With().Str("session", c.session).Logger()
	log.Debug().Str("remote", r.RemoteAddr).Msg("socket connected")

	liveness := h.cfg.HeartbeatInterval * time.Duration(h.cfg.MissedHeartbeats)
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(liveness))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(liveness))
	})

	go h.heartbeat(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("device_id", c.deviceID).Msg("socket closed")
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(liveness))

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		if !h.handleFrame(c, f) {
			break
		}
	}

	h.detach(c)
	c.close()
	log.Debug().Str("device_id", c.deviceID).Msg("socket disconnected")
}

// heartbeat pings until the connection closes. Missing pongs let the read
// deadline lapse, which ends the read loop.
func (h *Hub) heartbeat(c *conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleFrame processes one client frame. It returns false when the
// connection should be closed.
func (h *Hub) handleFrame(c *conn, f clientFrame) bool {
	switch f.Type {
	case frameRegister:
		if f.DeviceID == "" {
			c.writeJSON(errorFrame{Type: frameError, Message: "deviceId is required"}, h.cfg.WriteTimeout)
			return true
		}
		if h.verifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err := h.verifier.VerifyDevice(ctx, f.DeviceID, f.Token)
			cancel()
			if err != nil {
				h.log.Info().Err(err).Str("device_id", f.DeviceID).Msg("rejected socket registration")
				c.writeJSON(errorFrame{Type: frameError, Message: "registration rejected"}, h.cfg.WriteTimeout)
				return false
			}
		}
		if err := h.register(c, f.DeviceID); err != nil {
			h.log.Debug().Err(err).Str("device_id", f.DeviceID).Msg("flush after registration failed")
			return false
		}
	case frameAck, frameClick:
		if c.deviceID == "" || f.NotificationID == "" || h.tracker == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
		defer cancel()
		var err error
		if f.Type == frameAck {
			err = h.tracker.RecordDelivered(ctx, f.NotificationID, c.deviceID)
		} else {
			err = h.tracker.RecordClicked(ctx, f.NotificationID, c.deviceID)
		}
		if err != nil {
			h.log.Warn().Err(err).
				Str("device_id", c.deviceID).
				Str("notification_id", f.NotificationID).
				Str("event", f.Type).
				Msg("failed to record device event")
		}
	case framePong:
		// read deadline already refreshed
	default:
		h.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
	}
	return true
}

// register binds c to deviceID, replacing any earlier socket, then sends the
// registered frame followed by every unexpired queued message in order.
// writeMu is held across the swap and the flush so live sends issued after
// the swap cannot overtake queued ones.
func (h *Hub) register(c *conn, deviceID string) error {
	if c.deviceID != "" && c.deviceID != deviceID {
		h.detach(c)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sh := h.shardFor(deviceID)
	sh.mu.Lock()
	prev := sh.conns[deviceID]
	sh.conns[deviceID] = c
	pending := h.takeLocked(sh, deviceID)
	sh.mu.Unlock()
	c.deviceID = deviceID

	if prev != nil && prev != c {
		h.log.Debug().Str("device_id", deviceID).Str("previous_session", prev.session).Msg("registration replaced older socket")
	}

	if err := c.writeJSONLocked(registeredFrame{
		Type:      frameRegistered,
		DeviceID:  deviceID,
		Timestamp: h.now().UnixMilli(),
	}, h.cfg.WriteTimeout); err != nil {
		h.requeue(deviceID, pending)
		return err
	}
	for i, p := range pending {
		if err := c.writeJSONLocked(p.frame, h.cfg.WriteTimeout); err != nil {
			h.requeue(deviceID, pending[i:])
			return err
		}
	}
	if len(pending) > 0 {
		h.log.Debug().Str("device_id", deviceID).Int("flushed", len(pending)).Msg("flushed pending messages")
	}
	return nil
}

// detach removes c's device mapping unless a newer socket replaced it.
func (h *Hub) detach(c *conn) {
	if c.deviceID == "" {
		return
	}
	sh := h.shardFor(c.deviceID)
	sh.mu.Lock()
	if sh.conns[c.deviceID] == c {
		delete(sh.conns, c.deviceID)
	}
	sh.mu.Unlock()
}

func (h *Hub) track(c *conn) bool {
	h.allMu.Lock()
	defer h.allMu.Unlock()
	select {
	case <-h.stop:
		return false
	default:
	}
	h.all[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(c *conn) {
	h.allMu.Lock()
	delete(h.all, c)
	h.allMu.Unlock()
	h.wg.Done()
}
