// Package realtime is the connection-based transport for android devices.
// Devices hold a websocket open to the hub; messages for devices that are
// offline wait in a bounded per-device queue until the device reconnects or
// polls for them.
package realtime

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/transport"
)

// Tracker receives the acknowledgements devices send over their socket.
type Tracker interface {
	RecordDelivered(ctx context.Context, notificationID, deviceID string) error
	RecordClicked(ctx context.Context, notificationID, deviceID string) error
}

// Verifier checks a register frame before the socket is bound to a device.
type Verifier interface {
	VerifyDevice(ctx context.Context, deviceID, token string) error
}

type Hub struct {
	cfg      config.RealtimeConfig
	fanout   transport.Fanout
	tracker  Tracker
	verifier Verifier
	log      zerolog.Logger
	now      func() time.Time

	shards []*shard

	allMu sync.Mutex
	all   map[*conn]struct{}

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// shard guards the connections and queues of the devices hashed to it.
// Both maps share the lock so registration can swap the mapping and drain
// the queue atomically.
type shard struct {
	mu     sync.Mutex
	conns  map[string]*conn
	queues map[string][]pendingMessage
}

type Stats struct {
	Connections    int `json:"connections"`
	QueuedDevices  int `json:"queued_devices"`
	QueuedMessages int `json:"queued_messages"`
}

func NewHub(cfg config.RealtimeConfig, fanout transport.Fanout, tracker Tracker, verifier Verifier, log zerolog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 100
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}

	h := &Hub{
		cfg:      cfg,
		fanout:   fanout,
		tracker:  tracker,
		verifier: verifier,
		log:      log.With().Str("component", "realtime").Logger(),
		now:      time.Now,
		shards:   make([]*shard, cfg.Shards),
		all:      make(map[*conn]struct{}),
		stop:     make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &shard{
			conns:  make(map[string]*conn),
			queues: make(map[string][]pendingMessage),
		}
	}
	return h
}

func (h *Hub) shardFor(deviceID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(deviceID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) Platform() models.Platform { return models.PlatformAndroid }

// Send writes msg to the device's live socket, or queues it when the device
// is offline or the write fails. Both count as success. A failed write is
// retried on whatever socket replaced the failed one; the message is queued
// only while the device has no other live socket.
func (h *Hub) Send(ctx context.Context, app *models.Application, device models.Device, msg transport.Message) transport.Outcome {
	frame := newNotificationFrame(msg, h.now())
	sh := h.shardFor(device.ID)

	var failed *conn
	for {
		sh.mu.Lock()
		c := sh.conns[device.ID]
		if c == nil || c == failed {
			h.enqueueLocked(sh, device.ID, frame)
			sh.mu.Unlock()
			return transport.Outcome{Success: true, Queued: true}
		}
		sh.mu.Unlock()

		err := c.writeJSON(frame, h.cfg.WriteTimeout)
		if err == nil {
			return transport.Outcome{Success: true, Delivered: true}
		}
		h.log.Debug().Err(err).Str("device_id", device.ID).Str("session", c.session).Msg("socket write failed")
		c.close()
		failed = c
	}
}

func (h *Hub) SendBatch(ctx context.Context, app *models.Application, devices []models.Device, msg transport.Message) (*transport.BatchResult, error) {
	return h.fanout.Run(ctx, devices, func(ctx context.Context, d models.Device) transport.Outcome {
		return h.Send(ctx, app, d, msg)
	}), nil
}

// Poll hands over every unexpired queued notification for deviceID and
// empties the queue. Messages returned here are never redelivered.
func (h *Hub) Poll(deviceID string) []NotificationFrame {
	sh := h.shardFor(deviceID)
	sh.mu.Lock()
	pending := h.takeLocked(sh, deviceID)
	sh.mu.Unlock()

	out := make([]NotificationFrame, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.frame)
	}
	return out
}

// QueueLen returns how many messages wait for deviceID, expired or not.
func (h *Hub) QueueLen(deviceID string) int {
	sh := h.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.queues[deviceID])
}

func (h *Hub) IsOnline(deviceID string) bool {
	sh := h.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.conns[deviceID]
	return ok
}

func (h *Hub) Stats() Stats {
	var s Stats
	for _, sh := range h.shards {
		sh.mu.Lock()
		s.Connections += len(sh.conns)
		s.QueuedDevices += len(sh.queues)
		for _, q := range sh.queues {
			s.QueuedMessages += len(q)
		}
		sh.mu.Unlock()
	}
	return s
}

// enqueueLocked appends frame, evicting the oldest entry once the queue is
// at its limit.
func (h *Hub) enqueueLocked(sh *shard, deviceID string, frame NotificationFrame) {
	q := sh.queues[deviceID]
	if len(q) >= h.cfg.QueueLimit {
		drop := len(q) - h.cfg.QueueLimit + 1
		q = append(q[:0], q[drop:]...)
	}
	sh.queues[deviceID] = append(q, pendingMessage{
		frame:     frame,
		expiresAt: h.now().Add(h.cfg.QueueTTL),
	})
}

// requeue puts back messages that could not be flushed, ahead of anything
// queued since.
func (h *Hub) requeue(deviceID string, pending []pendingMessage) {
	if len(pending) == 0 {
		return
	}
	sh := h.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	q := append(append([]pendingMessage{}, pending...), sh.queues[deviceID]...)
	if len(q) > h.cfg.QueueLimit {
		q = q[len(q)-h.cfg.QueueLimit:]
	}
	sh.queues[deviceID] = q
}

// takeLocked removes the device's queue and returns its unexpired entries.
func (h *Hub) takeLocked(sh *shard, deviceID string) []pendingMessage {
	q, ok := sh.queues[deviceID]
	if !ok {
		return nil
	}
	delete(sh.queues, deviceID)

	now := h.now()
	valid := q[:0]
	for _, p := range q {
		if now.Before(p.expiresAt) {
			valid = append(valid, p)
		}
	}
	return valid
}

// sweep drops expired entries and empty queues.
func (h *Hub) sweep() int {
	now := h.now()
	removed := 0
	for _, sh := range h.shards {
		sh.mu.Lock()
		for id, q := range sh.queues {
			valid := q[:0]
			for _, p := range q {
				if now.Before(p.expiresAt) {
					valid = append(valid, p)
				}
			}
			removed += len(q) - len(valid)
			if len(valid) == 0 {
				delete(sh.queues, id)
				continue
			}
			sh.queues[id] = valid
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps expired queue entries until ctx is done or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if n := h.sweep(); n > 0 {
				h.log.Info().Int("removed", n).Msg("swept expired pending messages")
			}
		}
	}
}

// Shutdown closes every live socket and waits for their handlers to exit.
// Queued messages are dropped with the process.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.allMu.Lock()
	h.once.Do(func() { close(h.stop) })
	conns := make([]*conn, 0, len(h.all))
	for c := range h.all {
		conns = append(conns, c)
	}
	h.allMu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
