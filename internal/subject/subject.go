// Package subject identifies the order or transport a tracking session is attached to.
package subject

import (
	"strings"

	"backend-livetrack/internal/shared/apperr"
)

type Type string

const (
	Order     Type = "order"
	Transport Type = "transport"
)

func (t Type) Valid() bool {
	return t == Order || t == Transport
}

type Subject struct {
	Type Type   `json:"subject_type"`
	ID   string `json:"subject_id"`
}

// Key is the canonical map/channel key, e.g. "transport:42".
func (s Subject) Key() string {
	return string(s.Type) + ":" + s.ID
}

func (s Subject) String() string {
	return s.Key()
}

const maxIDLen = 64

// Parse validates a subject type and id as received from a path or body.
func Parse(kind, id string) (Subject, error) {
	t := Type(strings.ToLower(strings.TrimSpace(kind)))
	if !t.Valid() {
		return Subject{}, apperr.Validation("subject_type must be order or transport")
	}
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxIDLen || strings.ContainsAny(id, ": /") {
		return Subject{}, apperr.Validation("invalid subject_id")
	}
	return Subject{Type: t, ID: id}, nil
}

// FromKey reverses Key.
func FromKey(key string) (Subject, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Subject{}, apperr.Validation("invalid subject key")
	}
	return Parse(kind, id)
}
