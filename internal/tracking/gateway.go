package tracking

import (
	"context"
	"errors"

	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/subject"
)

// Credential is what an observer presents: a user id resolved from a bearer
// token or ticket, or a share token.
type Credential struct {
	UserID     string
	ShareToken string
}

// Gateway authorizes observers and serves both read paths: push through the
// hub and polling through the live state cache.
type Gateway struct {
	svc *Service
}

func NewGateway(svc *Service) *Gateway {
	return &Gateway{svc: svc}
}

// Authorize returns the session scope for cred on s. Share-token observers
// are scoped to the token's session; participants are unscoped.
func (g *Gateway) Authorize(ctx context.Context, s subject.Subject, cred Credential) (string, error) {
	if cred.ShareToken != "" {
		sess, err := g.svc.shares.Resolve(ctx, cred.ShareToken)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return "", apperr.Forbidden("share link is not valid")
			}
			return "", err
		}
		if sess.Subject != s {
			return "", apperr.Forbidden("share link is not valid")
		}
		return sess.ID, nil
	}
	if cred.UserID == "" {
		return "", apperr.Unauthorized("missing credential")
	}
	ok, err := g.svc.authz.CanObserve(ctx, cred.UserID, s)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Forbidden("not allowed to observe this subject")
	}
	return "", nil
}

// Attach registers an observer whose first frame is the snapshot.
func (g *Gateway) Attach(ctx context.Context, s subject.Subject, cred Credential) (*stream.Observer, error) {
	scope, err := g.Authorize(ctx, s, cred)
	if err != nil {
		return nil, err
	}
	return g.attach(s, scope), nil
}

func (g *Gateway) attach(s subject.Subject, scope string) *stream.Observer {
	return g.svc.hub.Attach(s, scope)
}

func (g *Gateway) Detach(o *stream.Observer) {
	g.svc.hub.Detach(o)
}

// Poll returns the cached live state. It never reports an error for a
// subject that simply is not live.
func (g *Gateway) Poll(ctx context.Context, s subject.Subject, cred Credential) (LiveStatus, error) {
	scope, err := g.Authorize(ctx, s, cred)
	if err != nil {
		return LiveStatus{}, err
	}
	state := g.svc.hub.LiveState(ctx, s)
	if scope != "" && (state.SessionID == nil || *state.SessionID != scope) {
		state = stream.LiveState{}
	}
	return LiveStatus{
		Live:            state.Live,
		SessionID:       state.SessionID,
		PollIntervalSec: int(g.svc.opts.PollInterval.Seconds()),
	}, nil
}
