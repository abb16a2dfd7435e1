package tracking

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"backend-livetrack/internal/subject"

	"github.com/goccy/go-json"
)

type Visibility string

const (
	// Private sessions are observable by participants of the subject only.
	Private Visibility = "private"
	// Link sessions are also observable by anyone holding the share token.
	Link Visibility = "link"
)

func ParseVisibility(v string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(v))) {
	case "", Private:
		return Private, true
	case Link:
		return Link, true
	default:
		return "", false
	}
}

type Status string

const (
	Active Status = "active"
	Ended  Status = "ended"
)

type Session struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
	subject.Subject
	Visibility     Visibility `json:"visibility"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	PointCount     int64      `json:"point_count"`
	TotalDistanceM float64    `json:"total_distance_m"`

	// ShareTokenHash is the sha256 of the share token. The token itself is
	// only ever returned once, at creation.
	ShareTokenHash string `json:"-"`
}

func (s Session) Active() bool {
	return s.Status == Active
}

// PublicSession is what a share link reveals. It never carries the owner.
type PublicSession struct {
	ID string `json:"id"`
	subject.Subject
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s Session) Public() PublicSession {
	return PublicSession{
		ID:        s.ID,
		Subject:   s.Subject,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		EndedAt:   s.EndedAt,
	}
}

// ExternalID is an order or transport id from the host application. Hosts
// send it as a JSON string or an unsigned integer.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	raw := string(data)
	switch {
	case raw == "null":
		*id = ""
		return nil
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
		return errors.New("id must be a string or an unsigned integer")
	}
	*id = ExternalID(raw)
	return nil
}

// CreateRequest names exactly one of order_id or transport_id.
type CreateRequest struct {
	OrderID     ExternalID `json:"order_id" validate:"required_without=TransportID,excluded_with=TransportID,max=64"`
	TransportID ExternalID `json:"transport_id" validate:"required_without=OrderID,excluded_with=OrderID,max=64"`
	Visibility  string `json:"visibility" validate:"omitempty,oneof=private link PRIVATE LINK"`
}

func (r CreateRequest) subject() (subject.Subject, error) {
	if r.OrderID != "" {
		return subject.Parse(string(subject.Order), string(r.OrderID))
	}
	return subject.Parse(string(subject.Transport), string(r.TransportID))
}

type Created struct {
	Session
	ShareToken string `json:"share_token,omitempty"`
	ShareURL   string `json:"share_url,omitempty"`
}

// LiveStatus is the polling response.
type LiveStatus struct {
	Live            bool    `json:"live"`
	SessionID       *string `json:"session_id"`
	PollIntervalSec int     `json:"poll_interval_sec"`
}
