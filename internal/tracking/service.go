package tracking

import (
	"context"
	"strings"
	"time"

	"backend-livetrack/internal/access"
	"backend-livetrack/internal/logging"
	"backend-livetrack/internal/metrics"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var validate = validator.New()

type Options struct {
	ShareBaseURL string
	PollInterval time.Duration
	// A publisher is disconnected once at least MalformedMinSamples messages
	// have arrived and more than MalformedMaxRatio of them were malformed.
	MalformedMinSamples int
	MalformedMaxRatio   float64
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Second
	}
	if o.MalformedMinSamples <= 0 {
		o.MalformedMinSamples = 20
	}
	if o.MalformedMaxRatio <= 0 || o.MalformedMaxRatio > 1 {
		o.MalformedMaxRatio = 0.5
	}
	return o
}

type Service struct {
	store  Store
	hub    *stream.Hub
	authz  access.Authorizer
	shares *ShareTokenResolver
	opts   Options
	log    zerolog.Logger
}

func NewService(store Store, hub *stream.Hub, authz access.Authorizer, opts Options) *Service {
	return &Service{
		store:  store,
		hub:    hub,
		authz:  authz,
		shares: NewShareTokenResolver(store),
		opts:   opts.withDefaults(),
		log:    logging.With("component", "tracking"),
	}
}

func (s *Service) Shares() *ShareTokenResolver {
	return s.shares
}

// CreateSession opens a session for the subject named in req. A subject has
// at most one active session; a second create fails with a conflict until
// the first is ended.
func (s *Service) CreateSession(ctx context.Context, ownerID string, req CreateRequest) (Created, error) {
	if ownerID == "" {
		return Created{}, apperr.Unauthorized("missing user")
	}
	if err := validate.Struct(req); err != nil {
		return Created{}, apperr.Validation("exactly one of order_id or transport_id is required; visibility must be private or link")
	}
	subj, err := req.subject()
	if err != nil {
		return Created{}, err
	}
	visibility, _ := ParseVisibility(req.Visibility)

	ok, err := s.authz.CanPublish(ctx, ownerID, subj)
	if err != nil {
		return Created{}, err
	}
	if !ok {
		return Created{}, apperr.Forbidden("not allowed to track this subject")
	}

	sess := Session{
		ID:          uuid.NewString(),
		OwnerUserID: ownerID,
		Subject:     subj,
		Visibility:  visibility,
	}
	var token string
	if visibility == Link {
		if token, err = newShareToken(); err != nil {
			return Created{}, err
		}
		sess.ShareTokenHash = hashShareToken(token)
	}

	sess, err = s.store.Create(ctx, sess)
	if err != nil {
		return Created{}, err
	}
	metrics.SessionsCreated.WithLabelValues(string(visibility)).Inc()
	s.log.Info().Str("session_id", sess.ID).Str("subject", subj.Key()).
		Str("visibility", string(visibility)).Msg("session created")

	out := Created{Session: sess, ShareToken: token}
	if token != "" && s.opts.ShareBaseURL != "" {
		out.ShareURL = strings.TrimRight(s.opts.ShareBaseURL, "/") + "/" + token
	}
	return out, nil
}

// EndSession ends an active session owned by actorID. Observers have been
// sent live_end by the time it returns. Ending an ended session is a no-op.
func (s *Service) EndSession(ctx context.Context, id, actorID string) (Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.OwnerUserID != actorID {
		return Session{}, apperr.Forbidden("only the session owner can end it")
	}
	if !sess.Active() {
		return sess, nil
	}

	sess, changed, err := s.store.End(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !changed {
		return sess, nil
	}

	stats := s.hub.EndSession(sess.Subject, sess.ID)
	metrics.SessionsEnded.Inc()
	if stats.Points > 0 {
		if err := s.store.SaveStats(ctx, sess.ID, stats); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("saving session stats failed")
		} else {
			sess.PointCount = stats.Points
			sess.TotalDistanceM = stats.DistanceM
		}
	}
	return sess, nil
}

// GetSession returns the full record to its owner.
func (s *Service) GetSession(ctx context.Context, id, actorID string) (Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.OwnerUserID != actorID {
		return Session{}, apperr.Forbidden("only the session owner can view it")
	}
	return sess, nil
}

func (s *Service) PollInterval() time.Duration {
	return s.opts.PollInterval
}
