package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/metrics"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/shared/geo"
	"backend-livetrack/internal/subject"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrPublisherConflict = apperr.Conflict("session already has a streaming publisher")
	ErrSessionEnded      = errors.New("tracking session ended")
	ErrSuperseded        = errors.New("publisher superseded by takeover")
)

type Config struct {
	StalenessWindow time.Duration
	QueueSize       int
	TombstoneTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 45 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 10 * time.Minute
	}
	return c
}

// Hub fans points and lifecycle events out to observers. State is kept per
// subject in a room; every mutation of a room happens under that room's lock,
// so attach, publish, expiry and end are serialized per subject.
type Hub struct {
	cfg   Config
	live  *LiveStateCache
	relay *Relay
	log   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room

	// tombstones remembers ended session ids so a racing publisher cannot
	// re-attach after end.
	tombstones *ttlcache.Cache[string, struct{}]
	nextID     atomic.Uint64

	// beforeRoomLock runs between the tombstone fast path and taking the
	// room lock in claim and deliverRemote. Tests only.
	beforeRoomLock func(sessionID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type room struct {
	subject subject.Subject

	mu        sync.Mutex
	dead      bool
	observers map[uint64]*Observer
	publisher *Lease
	live      bool
	// sessionID is the session that last streamed here and has not ended.
	sessionID string
	stats     Stats
	last      *LocationPoint
	// origin is true while the live session's points arrive on this node.
	origin    bool
	timer     *time.Timer
	gen       uint64
}

// Lease is the exclusive right to publish points for one session.
type Lease struct {
	id        uint64
	Subject   subject.Subject
	SessionID string

	done chan struct{}
	once sync.Once
	err  error
}

func (l *Lease) revoke(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Done is closed when the lease is released or revoked.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Err reports why the lease was revoked: ErrSessionEnded, ErrSuperseded, or
// nil for an ordinary release.
func (l *Lease) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// NewHub builds a hub. With a non-nil Redis client the hub mirrors live
// state and relays events to other nodes.
func NewHub(cfg Config, rdb *redis.Client) *Hub {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:   cfg,
		live:  NewLiveStateCache(rdb, cfg.StalenessWindow),
		log:   logging.With("component", "hub"),
		rooms: map[string]*room{},
		tombstones: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](cfg.TombstoneTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		cancel: cancel,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.tombstones.Start()
	}()

	if rdb != nil {
		h.relay = newRelay(rdb, uuid.NewString())
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.relay.run(ctx, h.deliverRemote)
		}()
	}
	return h
}

// Relay returns the Redis relay, or nil in single-node mode.
func (h *Hub) Relay() *Relay {
	return h.relay
}

// Close stops background work and timers. Attached observers are closed.
func (h *Hub) Close() {
	h.cancel()
	h.tombstones.Stop()
	h.wg.Wait()
	h.live.Close()

	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		for _, o := range r.observers {
			o.close()
		}
		if r.publisher != nil {
			r.publisher.revoke(nil)
		}
		r.mu.Unlock()
	}
}

// LiveState returns the cached state for s. It does not wait on any room.
func (h *Hub) LiveState(ctx context.Context, s subject.Subject) LiveState {
	return h.live.Get(ctx, s)
}

// Rooms reports how many subjects currently hold hub state.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// lockRoom returns the live room for s with its lock held.
func (h *Hub) lockRoom(s subject.Subject) *room {
	key := s.Key()
	for {
		h.mu.Lock()
		r := h.rooms[key]
		if r == nil {
			r = &room{subject: s, observers: map[uint64]*Observer{}}
			h.rooms[key] = r
		}
		h.mu.Unlock()

		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

func (r *room) idle() bool {
	return len(r.observers) == 0 && r.publisher == nil && !r.live && r.sessionID == ""
}

// unlockRoom releases r and drops it from the hub when nothing refers to it.
func (h *Hub) unlockRoom(r *room) {
	idle := r.idle()
	r.mu.Unlock()
	if !idle {
		return
	}

	h.mu.Lock()
	r.mu.Lock()
	if !r.dead && r.idle() && h.rooms[r.subject.Key()] == r {
		r.dead = true
		delete(h.rooms, r.subject.Key())
	}
	r.mu.Unlock()
	h.mu.Unlock()
}

// Attach registers an observer for s. The first frame it receives is a
// snapshot of the state at attach time. A non-empty scope limits delivery to
// that session.
func (h *Hub) Attach(s subject.Subject, scope string) *Observer {
	o := newObserver(h.nextID.Add(1), s, scope, h.cfg.QueueSize)

	r := h.lockRoom(s)
	r.observers[o.id] = o
	state := LiveState{}
	if r.live && o.accepts(r.sessionID) {
		state = liveState(r.sessionID)
		o.announced = r.sessionID
	}
	o.enqueue(snapshotFrame(state))
	count := len(r.observers)
	h.unlockRoom(r)

	metrics.ObserversConnected.Inc()
	h.log.Debug().Str("subject", s.Key()).Uint64("observer", o.id).Int("observers", count).Msg("observer attached")
	return o
}

// Detach removes o from its room and closes it. Safe to call twice.
func (h *Hub) Detach(o *Observer) {
	r := h.lockRoom(o.subject)
	_, ok := r.observers[o.id]
	delete(r.observers, o.id)
	h.unlockRoom(r)
	o.close()

	if ok {
		metrics.ObserversConnected.Dec()
		h.log.Debug().Str("subject", o.subject.Key()).Uint64("observer", o.id).Msg("observer detached")
	}
}

// ClaimPublisher grants the publish lease for sessionID, or fails with
// ErrPublisherConflict while another connection holds it.
func (h *Hub) ClaimPublisher(s subject.Subject, sessionID string) (*Lease, error) {
	return h.claim(s, sessionID, false)
}

// TakeoverPublisher revokes any current lease on the subject with
// ErrSuperseded and grants a new one.
func (h *Hub) TakeoverPublisher(s subject.Subject, sessionID string) (*Lease, error) {
	return h.claim(s, sessionID, true)
}

func (h *Hub) claim(s subject.Subject, sessionID string, takeover bool) (*Lease, error) {
	if h.tombstones.Has(sessionID) {
		return nil, ErrSessionEnded
	}
	if h.beforeRoomLock != nil {
		h.beforeRoomLock(sessionID)
	}

	r := h.lockRoom(s)
	// endLocal tombstones before it locks the room, so a session ended since
	// the check above is visible here.
	if h.tombstones.Has(sessionID) {
		h.unlockRoom(r)
		return nil, ErrSessionEnded
	}
	if r.publisher != nil {
		if !takeover {
			h.unlockRoom(r)
			return nil, ErrPublisherConflict
		}
		r.publisher.revoke(ErrSuperseded)
		metrics.PublishersConnected.Dec()
		h.log.Info().Str("subject", s.Key()).Str("session_id", sessionID).Msg("publisher taken over")
	}
	lease := &Lease{
		id:        h.nextID.Add(1),
		Subject:   s,
		SessionID: sessionID,
		done:      make(chan struct{}),
	}
	r.publisher = lease
	h.unlockRoom(r)

	metrics.PublishersConnected.Inc()
	return lease, nil
}

// ReleasePublisher gives the lease back after a disconnect. The session
// stays live until the staleness window runs out.
func (h *Hub) ReleasePublisher(l *Lease) {
	r := h.lockRoom(l.Subject)
	held := r.publisher == l
	if held {
		r.publisher = nil
	}
	h.unlockRoom(r)
	l.revoke(nil)

	if held {
		metrics.PublishersConnected.Dec()
	}
}

// Publish fans p out to the observers of the lease's subject and marks the
// subject live.
func (h *Hub) Publish(l *Lease, p LocationPoint) error {
	r := h.lockRoom(l.Subject)
	if r.publisher != l {
		h.unlockRoom(r)
		if err := l.Err(); err != nil {
			return err
		}
		return ErrSuperseded
	}
	h.applyPoint(r, l.SessionID, p, true)
	h.unlockRoom(r)

	if h.relay != nil {
		pt := p
		h.relay.publish(envelope{Kind: relayPoint, Subject: l.Subject.Key(), SessionID: l.SessionID, Point: &pt})
	}
	return nil
}

// applyPoint must be called with r.mu held. origin is false for points
// replayed from another node.
func (h *Hub) applyPoint(r *room, sessionID string, p LocationPoint, origin bool) {
	if !r.live || r.sessionID != sessionID {
		if r.sessionID != sessionID {
			r.stats = Stats{}
			r.last = nil
		}
		r.live = true
		r.sessionID = sessionID
		r.origin = origin
		h.live.set(r.subject, sessionID, origin)
		metrics.LiveTransitions.WithLabelValues("start").Inc()
		h.log.Info().Str("subject", r.subject.Key()).Str("session_id", sessionID).Msg("subject live")
	} else if origin {
		r.origin = true
		h.live.refresh(r.subject, sessionID)
	}

	r.stats.Points++
	if r.last != nil {
		r.stats.DistanceM += geo.HaversineKm(r.last.Lat, r.last.Lng, p.Lat, p.Lng) * 1000
	}
	last := p
	r.last = &last

	frame := pointFrame(sessionID, p)
	var start Frame
	for _, o := range r.observers {
		if !o.accepts(sessionID) {
			continue
		}
		if o.announced != sessionID {
			if start.Data == nil {
				start = liveStartFrame(sessionID)
			}
			if o.enqueue(start) {
				metrics.FramesDropped.Inc()
			}
			o.announced = sessionID
		}
		if o.enqueue(frame) {
			metrics.FramesDropped.Inc()
		}
	}

	h.armStaleness(r)
}

func (h *Hub) armStaleness(r *room) {
	r.gen++
	gen := r.gen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(h.cfg.StalenessWindow, func() { h.expire(r, gen) })
}

func (h *Hub) expire(r *room, gen uint64) {
	r.mu.Lock()
	if r.dead || r.gen != gen || !r.live {
		r.mu.Unlock()
		return
	}
	h.log.Info().Str("subject", r.subject.Key()).Str("session_id", r.sessionID).Msg("publisher silent, subject no longer live")
	h.goOffline(r, r.sessionID, ReasonStale)
	h.unlockRoom(r)
}

// goOffline clears the live flag and emits live_end. Must hold r.mu.
// Unscoped observers get one live_end per live period: ending a session that
// already went stale only notifies observers scoped to it, which are then
// finished.
func (h *Hub) goOffline(r *room, sessionID string, reason EndReason) {
	wasLive := r.live
	if wasLive {
		r.live = false
		h.live.set(r.subject, "", r.origin)
		r.origin = false
		metrics.LiveTransitions.WithLabelValues(string(reason)).Inc()
	}
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	frame := liveEndFrame(sessionID, reason)
	for _, o := range r.observers {
		if !o.accepts(sessionID) {
			continue
		}
		if !wasLive && o.scope != sessionID {
			continue
		}
		if o.enqueue(frame) {
			metrics.FramesDropped.Inc()
		}
		if o.announced == sessionID {
			o.announced = ""
		}
		if reason == ReasonEnded && o.scope != "" {
			o.finish()
		}
	}
}

// EndSession delivers live_end(ended) to every observer of s, revokes the
// publisher lease of sessionID, and returns the statistics this node
// accumulated for it. Callers invoke it once per session end.
func (h *Hub) EndSession(s subject.Subject, sessionID string) Stats {
	stats := h.endLocal(s, sessionID)
	if h.relay != nil {
		h.relay.publish(envelope{Kind: relayEnd, Subject: s.Key(), SessionID: sessionID})
	}
	return stats
}

func (h *Hub) endLocal(s subject.Subject, sessionID string) Stats {
	h.tombstones.Set(sessionID, struct{}{}, ttlcache.DefaultTTL)

	r := h.lockRoom(s)
	var stats Stats
	if r.sessionID == sessionID {
		stats = r.stats
	}
	if r.live && r.sessionID != sessionID {
		// another session is live on this subject; only notify observers
		// scoped to the ended one.
		frame := liveEndFrame(sessionID, ReasonEnded)
		for _, o := range r.observers {
			if o.scope == sessionID {
				if o.enqueue(frame) {
					metrics.FramesDropped.Inc()
				}
				o.finish()
			}
		}
	} else {
		h.goOffline(r, sessionID, ReasonEnded)
	}
	if r.sessionID == sessionID {
		r.sessionID = ""
		r.stats = Stats{}
		r.last = nil
	}
	if r.publisher != nil && r.publisher.SessionID == sessionID {
		r.publisher.revoke(ErrSessionEnded)
		r.publisher = nil
		metrics.PublishersConnected.Dec()
	}
	h.unlockRoom(r)

	h.log.Info().Str("subject", s.Key()).Str("session_id", sessionID).
		Int64("points", stats.Points).Float64("distance_m", stats.DistanceM).Msg("session ended")
	return stats
}

func (h *Hub) deliverRemote(env envelope) {
	s, err := subject.FromKey(env.Subject)
	if err != nil || env.SessionID == "" {
		return
	}
	switch env.Kind {
	case relayPoint:
		if env.Point == nil || h.tombstones.Has(env.SessionID) {
			return
		}
		if h.beforeRoomLock != nil {
			h.beforeRoomLock(env.SessionID)
		}
		r := h.lockRoom(s)
		if !h.tombstones.Has(env.SessionID) {
			h.applyPoint(r, env.SessionID, *env.Point, false)
		}
		h.unlockRoom(r)
	case relayEnd:
		h.endLocal(s, env.SessionID)
	}
}
