package stream

import (
	"context"
	"time"

	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	relayPrefix  = "track:"
	relaySuffix  = ":events"
	relayPattern = "track:*:events"

	subscribeMinBackoff = 100 * time.Millisecond
	subscribeMaxBackoff = 5 * time.Second
)

type relayKind string

const (
	relayPoint relayKind = "point"
	relayEnd   relayKind = "end"
)

// envelope is what nodes exchange over Redis. Receivers replay it against
// their local rooms.
type envelope struct {
	Origin    string         `json:"origin"`
	Kind      relayKind      `json:"kind"`
	Subject   string         `json:"subject"`
	SessionID string         `json:"session_id"`
	Point     *LocationPoint `json:"point,omitempty"`
}

// Relay forwards hub events to other nodes sharing the same Redis.
type Relay struct {
	redis  *redis.Client
	nodeID string
	ready  chan struct{}
	log    zerolog.Logger
}

func newRelay(rdb *redis.Client, nodeID string) *Relay {
	return &Relay{
		redis:  rdb,
		nodeID: nodeID,
		ready:  make(chan struct{}),
		log:    logging.With("component", "relay"),
	}
}

// Ready is closed once the pattern subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

func (r *Relay) publish(env envelope) {
	env.Origin = r.nodeID
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.redis.Publish(ctx, relayChannel(env.Subject), payload).Err(); err != nil {
		metrics.RelayErrors.WithLabelValues("publish").Inc()
		r.log.Warn().Err(err).Str("subject", env.Subject).Msg("redis publish failed")
	}
}

// run delivers envelopes from other nodes until ctx is done.
func (r *Relay) run(ctx context.Context, deliver func(envelope)) {
	pubsub := r.subscribe(ctx)
	if pubsub == nil {
		return
	}
	defer pubsub.Close()
	close(r.ready)
	r.log.Info().Msg("relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable relay message")
				continue
			}
			if env.Origin == r.nodeID {
				continue
			}
			if env.Subject == "" {
				env.Subject = subjectKeyFromChannel(msg.Channel)
			}
			deliver(env)
		}
	}
}

// subscribe retries the pattern subscription with backoff until Redis
// confirms it. Returns nil once ctx is done. After the first confirmation
// go-redis resubscribes on its own when the connection drops.
func (r *Relay) subscribe(ctx context.Context) *redis.PubSub {
	backoff := subscribeMinBackoff
	for {
		pubsub := r.redis.PSubscribe(ctx, relayPattern)
		_, err := pubsub.Receive(ctx)
		if err == nil {
			return pubsub
		}
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return nil
		}
		metrics.RelayErrors.WithLabelValues("subscribe").Inc()
		r.log.Warn().Err(err).Dur("retry_in", backoff).Msg("redis subscribe failed")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > subscribeMaxBackoff {
			backoff = subscribeMaxBackoff
		}
	}
}

func relayChannel(subjectKey string) string {
	return relayPrefix + subjectKey + relaySuffix
}

func subjectKeyFromChannel(ch string) string {
	// track:{subject_type}:{subject_id}:events
	if len(ch) <= len(relayPrefix)+len(relaySuffix) {
		return ""
	}
	return ch[len(relayPrefix) : len(ch)-len(relaySuffix)]
}
