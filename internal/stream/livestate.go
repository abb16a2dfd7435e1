package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/metrics"
	"backend-livetrack/internal/subject"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

const (
	mirrorQueueSize = 1024
	// missTTL bounds how long a not-live answer from Redis is reused.
	missTTL      = 250 * time.Millisecond
	missCapacity = 10000
)

// LiveStateCache holds {live, session_id} per subject. Entries exist only
// while a subject is live; a missing entry reads as not live. When Redis is
// configured each transition is mirrored with a TTL of the staleness window
// so other nodes answer polls consistently.
type LiveStateCache struct {
	mu     sync.RWMutex
	states map[string]LiveState

	redis   *redis.Client
	ttl     time.Duration
	misses  *ttlcache.Cache[string, struct{}]
	mirror  chan mirrorOp
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type mirrorOp struct {
	key       string
	sessionID string
}

func NewLiveStateCache(rdb *redis.Client, ttl time.Duration) *LiveStateCache {
	c := &LiveStateCache{
		states:  map[string]LiveState{},
		redis:   rdb,
		ttl:     ttl,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if rdb != nil {
		c.misses = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](missTTL),
			ttlcache.WithCapacity[string, struct{}](missCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		c.mirror = make(chan mirrorOp, mirrorQueueSize)
		go c.runMirror()
	} else {
		close(c.stopped)
	}
	return c
}

// Get never waits on another writer longer than a map read. It touches
// Redis only when this node holds no entry for the subject and has not seen
// a not-live answer for it within missTTL.
func (c *LiveStateCache) Get(ctx context.Context, s subject.Subject) LiveState {
	key := s.Key()
	c.mu.RLock()
	state, ok := c.states[key]
	c.mu.RUnlock()
	if ok || c.redis == nil || c.misses.Get(key) != nil {
		return state
	}

	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	sessionID, err := c.redis.Get(ctx, liveKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.RelayErrors.WithLabelValues("live_get").Inc()
		}
		c.misses.Set(key, struct{}{}, ttlcache.DefaultTTL)
		return LiveState{}
	}
	return liveState(sessionID)
}

// set replaces the pair atomically. An empty sessionID clears the entry.
// Only the node hosting the publisher mirrors to Redis.
func (c *LiveStateCache) set(s subject.Subject, sessionID string, mirror bool) {
	key := s.Key()
	c.mu.Lock()
	if sessionID == "" {
		delete(c.states, key)
	} else {
		c.states[key] = liveState(sessionID)
	}
	c.mu.Unlock()
	if c.misses != nil {
		c.misses.Delete(key)
	}

	if c.mirror == nil || !mirror {
		return
	}
	select {
	case c.mirror <- mirrorOp{key: key, sessionID: sessionID}:
	default:
		metrics.RelayErrors.WithLabelValues("live_mirror_full").Inc()
	}
}

// refresh extends the mirrored TTL for a subject that is still streaming.
func (c *LiveStateCache) refresh(s subject.Subject, sessionID string) {
	if c.mirror == nil {
		return
	}
	select {
	case c.mirror <- mirrorOp{key: s.Key(), sessionID: sessionID}:
	default:
	}
}

func (c *LiveStateCache) runMirror() {
	defer close(c.stopped)
	log := logging.With("component", "live_state")
	for {
		select {
		case <-c.stop:
			return
		case op := <-c.mirror:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			var err error
			if op.sessionID == "" {
				err = c.redis.Del(ctx, liveKey(op.key)).Err()
			} else {
				err = c.redis.Set(ctx, liveKey(op.key), op.sessionID, c.ttl).Err()
			}
			cancel()
			if err != nil {
				metrics.RelayErrors.WithLabelValues("live_mirror").Inc()
				log.Warn().Err(err).Str("subject", op.key).Msg("live state mirror failed")
			}
		}
	}
}

func (c *LiveStateCache) Close() {
	c.once.Do(func() {
		if c.mirror != nil {
			close(c.stop)
		}
	})
	<-c.stopped
}

func liveKey(subjectKey string) string {
	return "track:live:" + subjectKey
}
