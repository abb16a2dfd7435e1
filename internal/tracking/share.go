package tracking

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"backend-livetrack/internal/shared/apperr"
)

const shareTokenBytes = 32

// ErrShareNotFound is the only failure a share lookup reports, whatever the
// cause, so tokens cannot be probed.
var ErrShareNotFound = apperr.NotFound("share link not found")

func newShareToken() (string, error) {
	buf := make([]byte, shareTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashShareToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormedShareToken(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(shareTokenBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}

// ShareTokenResolver maps a share token to its active link session.
type ShareTokenResolver struct {
	store Store
}

func NewShareTokenResolver(store Store) *ShareTokenResolver {
	return &ShareTokenResolver{store: store}
}

func (r *ShareTokenResolver) Resolve(ctx context.Context, token string) (Session, error) {
	if !wellFormedShareToken(token) {
		return Session{}, ErrShareNotFound
	}
	sess, err := r.store.ByShareTokenHash(ctx, hashShareToken(token))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Session{}, ErrShareNotFound
		}
		return Session{}, err
	}
	if sess.Visibility != Link || !sess.Active() {
		return Session{}, ErrShareNotFound
	}
	return sess, nil
}
