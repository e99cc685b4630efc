package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	userColumns = `id, email, first_name, last_name, role, status, hashed_password, created_at, updated_at`

	insertUserSQL = `INSERT INTO users (
        id, email, first_name, last_name, role, status, hashed_password, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	getUserSQL        = `SELECT ` + userColumns + ` FROM users WHERE id = $1;`
	getUserByEmailSQL = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1);`

	updateUserStatusSQL = `UPDATE users
    SET status = $3, updated_at = $4
    WHERE id = $1
      AND status = $2
    RETURNING ` + userColumns + `;`

	listUsersByStatusSQL = `SELECT ` + userColumns + `
    FROM users
    WHERE status = $1
    ORDER BY created_at, id;`

	countUsersByIDsSQL = `SELECT COUNT(*) FROM users WHERE id = ANY($1::uuid[]);`
)

// InsertUser stores a user. ErrDuplicate is returned when the email exists.
func (s *Store) InsertUser(ctx context.Context, user User) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	_, err = pool.Exec(ctx, insertUserSQL,
		user.ID, user.Email, user.FirstName, user.LastName, user.Role, user.Status, user.HashedPassword, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("insert user: %w", ErrDuplicate)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, getUserSQL, id))
	if err != nil {
		return User{}, notFound("get user", err)
	}
	return user, nil
}

// GetUserByEmail loads a user by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, getUserByEmailSQL, email))
	if err != nil {
		return User{}, notFound("get user by email", err)
	}
	return user, nil
}

// UpdateUserStatus moves a user from one status to another. ErrStaleState is
// returned when the user is not currently in from.
func (s *Store) UpdateUserStatus(ctx context.Context, id uuid.UUID, from, to string, now time.Time) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}
	user, err := scanUser(pool.QueryRow(ctx, updateUserStatusSQL, id, from, to, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("update user status: %w", ErrStaleState)
		}
		return User{}, fmt.Errorf("update user status: %w", err)
	}
	return user, nil
}

// ListUsersByStatus returns users in status, oldest first.
func (s *Store) ListUsersByStatus(ctx context.Context, status string) ([]User, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listUsersByStatusSQL, status)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// CountUsersByIDs counts how many of ids exist.
func (s *Store) CountUsersByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	n, err := s.count(ctx, "count users", countUsersByIDsSQL, raw)
	return int(n), err
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Role, &user.Status,
		&user.HashedPassword, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}
