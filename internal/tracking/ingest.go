package tracking

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/metrics"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// IngestState is the lifecycle of one publish connection.
type IngestState int

const (
	Connecting IngestState = iota
	Authenticated
	Streaming
	Closed
)

func (s IngestState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Streaming:
		return "streaming"
	default:
		return "closed"
	}
}

var (
	ErrMalformedRate = errors.New("too many malformed messages")
	errBadState      = errors.New("publish connection in wrong state")
)

// Ingest drives one publish connection:
// Connecting -> Authenticated -> Streaming -> Closed. It is not safe for
// concurrent use; the connection's read loop owns it.
type Ingest struct {
	svc       *Service
	sessionID string
	state     IngestState
	session   Session
	lease     *stream.Lease

	received  int
	malformed int
	log       zerolog.Logger
}

func (s *Service) NewIngest(sessionID string) *Ingest {
	return &Ingest{
		svc:       s,
		sessionID: sessionID,
		log:       logging.With("session_id", sessionID),
	}
}

func (in *Ingest) State() IngestState { return in.state }
func (in *Ingest) Session() Session   { return in.session }

// Lease is nil until Start succeeds.
func (in *Ingest) Lease() *stream.Lease { return in.lease }

// Authenticate checks that the session exists, is active and belongs to
// userID.
func (in *Ingest) Authenticate(ctx context.Context, userID string) error {
	if in.state != Connecting {
		return errBadState
	}
	if userID == "" {
		return in.reject(apperr.Unauthorized("missing credential"), "unauthorized")
	}
	sess, err := in.svc.store.Get(ctx, in.sessionID)
	if err != nil {
		return in.reject(err, "lookup")
	}
	if sess.OwnerUserID != userID {
		return in.reject(apperr.Forbidden("not the session owner"), "forbidden")
	}
	if !sess.Active() {
		return in.reject(stream.ErrSessionEnded, "ended")
	}
	in.session = sess
	in.state = Authenticated
	return nil
}

// Start claims the session's publisher lease. Unless takeover is set, a
// session that already has a streaming publisher is refused with a
// conflict.
func (in *Ingest) Start(takeover bool) error {
	if in.state != Authenticated {
		return errBadState
	}
	claim := in.svc.hub.ClaimPublisher
	if takeover {
		claim = in.svc.hub.TakeoverPublisher
	}
	lease, err := claim(in.session.Subject, in.session.ID)
	if err != nil {
		reason := "conflict"
		if errors.Is(err, stream.ErrSessionEnded) {
			reason = "ended"
		}
		return in.reject(err, reason)
	}
	in.lease = lease
	in.state = Streaming
	in.log.Info().Str("subject", in.session.Subject.Key()).Bool("takeover", takeover).Msg("publisher streaming")
	return nil
}

func (in *Ingest) reject(err error, reason string) error {
	in.state = Closed
	metrics.PublisherRejections.WithLabelValues(reason).Inc()
	in.log.Info().Err(err).Str("reason", reason).Msg("publisher rejected")
	return err
}

type inboundMessage struct {
	Type     string          `json:"type"`
	Lat      *float64        `json:"lat" validate:"required,latitude"`
	Lng      *float64        `json:"lng" validate:"required,longitude"`
	Accuracy *float64        `json:"accuracy" validate:"omitempty,gte=0"`
	Heading  *float64        `json:"heading" validate:"omitempty,gte=0,lte=360"`
	Speed    *float64        `json:"speed" validate:"omitempty,gte=0"`
	TS       json.RawMessage `json:"ts"`
}

var pongReply = []byte(`{"type":"pong"}`)

// Handle processes one inbound message and returns an optional reply for
// the publisher. Malformed points are dropped and counted; Handle only
// returns an error when the connection must close.
func (in *Ingest) Handle(raw []byte) ([]byte, error) {
	if in.state != Streaming {
		return nil, errBadState
	}

	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, in.dropMalformed("undecodable")
	}
	switch msg.Type {
	case "ping":
		return pongReply, nil
	case "", "point":
	default:
		return nil, in.dropMalformed("unknown type")
	}
	if err := validate.Struct(msg); err != nil {
		return nil, in.dropMalformed("invalid point")
	}
	ts, ok := parseTimestamp(msg.TS)
	if !ok {
		return nil, in.dropMalformed("invalid ts")
	}

	in.received++
	metrics.PointsReceived.WithLabelValues("accepted").Inc()
	err := in.svc.hub.Publish(in.lease, stream.LocationPoint{
		Lat:      *msg.Lat,
		Lng:      *msg.Lng,
		Accuracy: msg.Accuracy,
		Heading:  msg.Heading,
		Speed:    msg.Speed,
		TS:       ts,
	})
	if err != nil {
		in.state = Closed
		return nil, err
	}
	return nil, nil
}

func (in *Ingest) dropMalformed(why string) error {
	in.received++
	in.malformed++
	metrics.PointsReceived.WithLabelValues("malformed").Inc()
	in.log.Debug().Str("why", why).Int("malformed", in.malformed).Msg("dropped malformed message")

	opts := in.svc.opts
	if in.received >= opts.MalformedMinSamples &&
		float64(in.malformed)/float64(in.received) > opts.MalformedMaxRatio {
		in.log.Warn().Int("received", in.received).Int("malformed", in.malformed).Msg("malformed rate exceeded, closing publisher")
		metrics.PublisherRejections.WithLabelValues("malformed").Inc()
		in.Close()
		return ErrMalformedRate
	}
	return nil
}

// Close releases the lease. The session stays active and goes not-live once
// the staleness window passes without a new publisher.
func (in *Ingest) Close() {
	if in.lease != nil {
		in.svc.hub.ReleasePublisher(in.lease)
		in.lease = nil
	}
	in.state = Closed
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string and
// returns epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f <= 0 || f > 1e15 {
		return 0, false
	}
	return int64(f), true
}
