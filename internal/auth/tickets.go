package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"backend-livetrack/internal/shared/apperr"

	"github.com/jellydator/ttlcache/v3"
)

// Tickets are short-lived single-use credentials for WebSocket handshakes,
// so browsers never put a bearer token in a URL.
type Tickets struct {
	ttl   time.Duration
	cache *ttlcache.Cache[string, string]
}

func NewTickets(ttl time.Duration) *Tickets {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tickets{
		ttl: ttl,
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Start runs the expiry loop until Stop.
func (t *Tickets) Start() {
	go t.cache.Start()
}

func (t *Tickets) Stop() {
	t.cache.Stop()
}

func (t *Tickets) TTL() time.Duration {
	return t.ttl
}

// Issue returns a fresh ticket bound to userID.
func (t *Tickets) Issue(userID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	ticket := base64.RawURLEncoding.EncodeToString(buf)
	t.cache.Set(ticket, userID, ttlcache.DefaultTTL)
	return ticket, nil
}

// Redeem consumes ticket and returns its user. A ticket works once.
func (t *Tickets) Redeem(ticket string) (string, error) {
	if ticket == "" {
		return "", apperr.Unauthorized("missing ticket")
	}
	item, ok := t.cache.GetAndDelete(ticket)
	if !ok || item == nil || item.IsExpired() {
		return "", apperr.Unauthorized("ticket invalid or expired")
	}
	return item.Value(), nil
}
