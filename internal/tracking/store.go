package tracking

import (
	"context"
	"errors"
	"time"

	"backend-livetrack/internal/db"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"
	"backend-livetrack/internal/subject"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrSessionNotFound = apperr.NotFound("tracking session not found")

// Store is the durable record of tracking sessions.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	ByShareTokenHash(ctx context.Context, hash string) (Session, error)
	// End moves an active session to ended. changed is false when the
	// session had already ended.
	End(ctx context.Context, id string) (sess Session, changed bool, err error)
	SaveStats(ctx context.Context, id string, stats stream.Stats) error
}

type PgStore struct {
	db db.Querier
}

func NewPgStore(q db.Querier) *PgStore {
	return &PgStore{db: q}
}

const sessionColumns = `id::text, owner_user_id, subject_type, subject_id, visibility, COALESCE(share_token_hash, ''), status, created_at, ended_at, point_count, total_distance_m`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s                        Session
		kind, visibility, status string
	)
	err := row.Scan(&s.ID, &s.OwnerUserID, &kind, &s.Subject.ID, &visibility,
		&s.ShareTokenHash, &status, &s.CreatedAt, &s.EndedAt, &s.PointCount, &s.TotalDistanceM)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	s.Subject.Type = subject.Type(kind)
	s.Visibility = Visibility(visibility)
	s.Status = Status(status)
	return s, nil
}

func (p *PgStore) Create(ctx context.Context, s Session) (Session, error) {
	var hash *string
	if s.ShareTokenHash != "" {
		hash = &s.ShareTokenHash
	}
	row := p.db.QueryRow(ctx, `
		INSERT INTO track_sessions (id, owner_user_id, subject_type, subject_id, visibility, share_token_hash, status)
		VALUES ($1,$2,$3,$4,$5,$6,'active')
		RETURNING created_at, status
	`, s.ID, s.OwnerUserID, string(s.Subject.Type), s.Subject.ID, string(s.Visibility), hash)
	var status string
	if err := row.Scan(&s.CreatedAt, &status); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Session{}, apperr.Conflict("subject already has an active tracking session")
		}
		return Session{}, err
	}
	s.Status = Status(status)
	return s, nil
}

func (p *PgStore) Get(ctx context.Context, id string) (Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, ErrSessionNotFound
	}
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM track_sessions WHERE id=$1`, id))
}

func (p *PgStore) ByShareTokenHash(ctx context.Context, hash string) (Session, error) {
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM track_sessions WHERE share_token_hash=$1`, hash))
}

func (p *PgStore) End(ctx context.Context, id string) (Session, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Session{}, false, ErrSessionNotFound
	}
	sess, err := scanSession(p.db.QueryRow(ctx, `
		UPDATE track_sessions SET status='ended', ended_at=$2
		WHERE id=$1 AND status='active'
		RETURNING `+sessionColumns, id, time.Now().UTC()))
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, err
	}
	// either unknown or already ended
	sess, err = p.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return sess, false, nil
}

func (p *PgStore) SaveStats(ctx context.Context, id string, stats stream.Stats) error {
	_, err := p.db.Exec(ctx, `
		UPDATE track_sessions SET point_count=$2, total_distance_m=$3
		WHERE id=$1
	`, id, stats.Points, stats.DistanceM)
	return err
}
