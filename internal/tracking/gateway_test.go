package tracking

import (
	"context"
	"errors"
	"testing"

	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/subject"
)

func TestGatewayAuthorize(t *testing.T) {
	svc, _ := newTestService(newHub(t))
	gw := NewGateway(svc)
	ctx := context.Background()

	link, _ := svc.CreateSession(ctx, "owner-1", CreateRequest{TransportID: "42", Visibility: "link"})

	scope, err := gw.Authorize(ctx, transport42, Credential{ShareToken: link.ShareToken})
	if err != nil || scope != link.ID {
		t.Fatalf("share token should scope to its session: %q %v", scope, err)
	}

	other := subject.Subject{Type: subject.Transport, ID: "43"}
	if _, err := gw.Authorize(ctx, other, Credential{ShareToken: link.ShareToken}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("share token for another subject must be forbidden, got %v", err)
	}
	if _, err := gw.Authorize(ctx, transport42, Credential{ShareToken: "bogus"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("unknown share token must be forbidden, got %v", err)
	}

	scope, err = gw.Authorize(ctx, transport42, Credential{UserID: "viewer-1"})
	if err != nil || scope != "" {
		t.Fatalf("participant should be unscoped: %q %v", scope, err)
	}
	if _, err := gw.Authorize(ctx, transport42, Credential{UserID: "stranger"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("stranger must be forbidden, got %v", err)
	}
	if _, err := gw.Authorize(ctx, transport42, Credential{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("anonymous must be unauthorized, got %v", err)
	}

	_, _ = svc.EndSession(ctx, link.ID, "owner-1")
	if _, err := gw.Authorize(ctx, transport42, Credential{ShareToken: link.ShareToken}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("ended share token must be forbidden, got %v", err)
	}
}

func TestGatewayAuthorizeCollaboratorError(t *testing.T) {
	store := newMemStore()
	authz := newFakeAuthz()
	authz.err = errors.New("db down")
	svc := NewService(store, newHub(t), authz, Options{})

	_, err := NewGateway(svc).Authorize(context.Background(), transport42, Credential{UserID: "viewer-1"})
	if err == nil || apperr.Status(err) != 500 {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestGatewayPoll(t *testing.T) {
	hub := newHub(t)
	svc, _ := newTestService(hub)
	gw := NewGateway(svc)
	ctx := context.Background()

	status, err := gw.Poll(ctx, transport42, Credential{UserID: "viewer-1"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Live || status.SessionID != nil || status.PollIntervalSec != 20 {
		t.Fatalf("unexpected status %+v", status)
	}

	link, _ := svc.CreateSession(ctx, "owner-1", CreateRequest{TransportID: "42", Visibility: "link"})
	// creating a session does not make the subject live
	if status, _ := gw.Poll(ctx, transport42, Credential{UserID: "viewer-1"}); status.Live {
		t.Fatalf("subject must not be live before the first point")
	}

	lease, _ := hub.ClaimPublisher(transport42, link.ID)
	_ = hub.Publish(lease, stream.LocationPoint{Lat: 1, Lng: 1, TS: 1})

	for _, cred := range []Credential{{UserID: "viewer-1"}, {ShareToken: link.ShareToken}} {
		status, err := gw.Poll(ctx, transport42, cred)
		if err != nil || !status.Live || status.SessionID == nil || *status.SessionID != link.ID {
			t.Fatalf("expected live for %+v: %+v %v", cred, status, err)
		}
	}

	if _, err := gw.Poll(ctx, transport42, Credential{UserID: "stranger"}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGatewayAttachScoped(t *testing.T) {
	hub := newHub(t)
	svc, _ := newTestService(hub)
	gw := NewGateway(svc)
	ctx := context.Background()

	link, _ := svc.CreateSession(ctx, "owner-1", CreateRequest{TransportID: "42", Visibility: "link"})
	o, err := gw.Attach(ctx, transport42, Credential{ShareToken: link.ShareToken})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer gw.Detach(o)
	if o.Scope() != link.ID {
		t.Fatalf("observer should be scoped")
	}
	if nextKind(t, o) != stream.KindSnapshot {
		t.Fatalf("expected snapshot first")
	}

	if _, err := gw.Attach(ctx, transport42, Credential{UserID: "stranger"}); err == nil {
		t.Fatalf("expected attach to fail")
	}
}
