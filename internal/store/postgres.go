package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrConflict reports a duplicate membership outside the idempotent upsert
// path. It should never fire; seeing it means the uniqueness constraint and
// the re-fetch disagree about what exists.
var ErrConflict = errors.New("conflicting membership state")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetSpaceByID(ctx context.Context, spaceID string) (Space, error) {
	const query = `
		SELECT id, name, content, password_hash, image_url, owner_id, created_at, updated_at
		FROM spaces WHERE id = $1
	`
	var space Space
	err := s.db.QueryRowContext(ctx, query, spaceID).Scan(
		&space.ID, &space.Name, &space.Content, &space.PasswordHash,
		&space.ImageURL, &space.OwnerID, &space.CreatedAt, &space.UpdatedAt,
	)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *PostgresStore) GetSpaceByName(ctx context.Context, name string) (Space, error) {
	const query = `
		SELECT id, name, content, password_hash, image_url, owner_id, created_at, updated_at
		FROM spaces WHERE name = $1
	`
	var space Space
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&space.ID, &space.Name, &space.Content, &space.PasswordHash,
		&space.ImageURL, &space.OwnerID, &space.CreatedAt, &space.UpdatedAt,
	)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context) ([]SpaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.name, sp.content, sp.image_url, sp.owner_id, COUNT(sm.id)
		FROM spaces sp
		LEFT JOIN space_members sm ON sm.space_id = sp.id
		GROUP BY sp.id
		ORDER BY sp.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []SpaceSummary
	for rows.Next() {
		var item SpaceSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Content, &item.ImageURL, &item.OwnerID, &item.MemberCount); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		spaces = append(spaces, item)
	}
	return spaces, rows.Err()
}

// CreateSpace inserts the space and the owner's membership in one
// transaction so a space never exists without its owner as a member.
func (s *PostgresStore) CreateSpace(ctx context.Context, space Space, ownerMembership Membership) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create space: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spaces (id, name, content, password_hash, image_url, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, space.ID, space.Name, space.Content, space.PasswordHash, space.ImageURL, space.OwnerID); err != nil {
		return fmt.Errorf("insert space: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO space_members (id, user_id, space_id)
		VALUES ($1, $2, $3)
	`, ownerMembership.ID, ownerMembership.UserID, ownerMembership.SpaceID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create space: %w", err)
	}
	return nil
}

// DeleteSpace removes the space if ownerID owns it. Memberships cascade.
// Returns false when no matching space exists.
func (s *PostgresStore) DeleteSpace(ctx context.Context, spaceID, ownerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM spaces WHERE id = $1 AND owner_id = $2`, spaceID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete space: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete space rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateSpaceImage(ctx context.Context, spaceID, imageURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE spaces SET image_url = $2, updated_at = NOW() WHERE id = $1
	`, spaceID, imageURL)
	if err != nil {
		return fmt.Errorf("update space image: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, spaceID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, space_id, created_at
		FROM space_members WHERE space_id = $1
		ORDER BY created_at
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.SpaceID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID, spaceID string) (Membership, error) {
	const query = `
		SELECT id, user_id, space_id, created_at
		FROM space_members WHERE user_id = $1 AND space_id = $2
	`
	var m Membership
	err := s.db.QueryRowContext(ctx, query, userID, spaceID).Scan(&m.ID, &m.UserID, &m.SpaceID, &m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

// EnsureMembership creates the membership unless one already exists for the
// (user, space) pair, in which case the existing row is returned. The unique
// constraint makes concurrent calls converge on a single row: losers of the
// insert race fall through to the re-select. The bool reports whether this
// call created the row.
func (s *PostgresStore) EnsureMembership(ctx context.Context, membership Membership) (Membership, bool, error) {
	const insert = `
		INSERT INTO space_members (id, user_id, space_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, space_id) DO NOTHING
		RETURNING id, user_id, space_id, created_at
	`
	var m Membership
	err := s.db.QueryRowContext(ctx, insert, membership.ID, membership.UserID, membership.SpaceID).
		Scan(&m.ID, &m.UserID, &m.SpaceID, &m.CreatedAt)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Membership{}, false, fmt.Errorf("insert membership: %w", err)
	}

	existing, err := s.GetMembership(ctx, membership.UserID, membership.SpaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, false, fmt.Errorf("membership vanished after conflicting insert: %w", ErrConflict)
	}
	if err != nil {
		return Membership{}, false, fmt.Errorf("refetch membership after conflict: %w", err)
	}
	return existing, false, nil
}
