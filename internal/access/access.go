// Package access answers whether a user may publish or observe a subject.
// Relationships live in subject_participants. The host application seeds
// owners; owners may then add carriers, counterparties and viewers.
package access

import (
	"context"
	"errors"
	"time"

	"backend-livetrack/internal/db"
	"backend-livetrack/internal/subject"

	"github.com/jackc/pgx/v5"
)

type Role string

const (
	RoleOwner        Role = "owner"
	RoleCarrier      Role = "carrier"
	RoleCounterparty Role = "counterparty"
	RoleViewer       Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleCarrier, RoleCounterparty, RoleViewer:
		return true
	}
	return false
}

// CanPublish reports whether the role may start a tracking session.
func (r Role) CanPublish() bool {
	return r == RoleOwner || r == RoleCarrier
}

// Authorizer is the authorization collaborator used by the tracking service.
type Authorizer interface {
	CanPublish(ctx context.Context, userID string, s subject.Subject) (bool, error)
	CanObserve(ctx context.Context, userID string, s subject.Subject) (bool, error)
}

type Participant struct {
	subject.Subject
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type Participants struct {
	db db.Querier
}

func NewParticipants(q db.Querier) *Participants {
	return &Participants{db: q}
}

// Role returns the user's role on s, or "" when there is no relationship.
func (p *Participants) Role(ctx context.Context, userID string, s subject.Subject) (Role, error) {
	row := p.db.QueryRow(ctx, `
		SELECT role FROM subject_participants
		WHERE subject_type=$1 AND subject_id=$2 AND user_id=$3
	`, string(s.Type), s.ID, userID)
	var role string
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return Role(role), nil
}

func (p *Participants) CanPublish(ctx context.Context, userID string, s subject.Subject) (bool, error) {
	role, err := p.Role(ctx, userID, s)
	if err != nil {
		return false, err
	}
	return role.CanPublish(), nil
}

// CanObserve is true for any participant, whatever the role.
func (p *Participants) CanObserve(ctx context.Context, userID string, s subject.Subject) (bool, error) {
	role, err := p.Role(ctx, userID, s)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// Add records a relationship, replacing the role if one exists.
func (p *Participants) Add(ctx context.Context, userID string, s subject.Subject, role Role) (Participant, error) {
	if role == "" {
		role = RoleViewer
	}
	row := p.db.QueryRow(ctx, `
		INSERT INTO subject_participants (subject_type, subject_id, user_id, role)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (subject_type, subject_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING joined_at
	`, string(s.Type), s.ID, userID, string(role))
	member := Participant{Subject: s, UserID: userID, Role: role}
	if err := row.Scan(&member.JoinedAt); err != nil {
		return Participant{}, err
	}
	return member, nil
}

func (p *Participants) List(ctx context.Context, s subject.Subject) ([]Participant, error) {
	rows, err := p.db.Query(ctx, `
		SELECT user_id, role, joined_at
		FROM subject_participants WHERE subject_type=$1 AND subject_id=$2
		ORDER BY joined_at
	`, string(s.Type), s.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []Participant{}
	for rows.Next() {
		m := Participant{Subject: s}
		var role string
		if err := rows.Scan(&m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}
