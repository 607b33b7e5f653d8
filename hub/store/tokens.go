package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
)

// Token is one API token for applications.
type Token struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Token     string     `json:"token,omitempty"`
	Scopes    string     `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
}

// CreateToken creates a new API token. The secret is generated and only
// returned here.
func (s *Store) CreateToken(ctx context.Context, name, scopes string, expiresAt *time.Time) (*Token, error) {
	t := Token{
		ID:        uuid.NewString(),
		Name:      name,
		Token:     uuid.NewString(),
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO api_tokens(id, name, token, scopes, created_at, expires_at, active)
VALUES(?,?,?,?,?,?,1);`,
			t.ID, t.Name, t.Token, t.Scopes, t.CreatedAt, t.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateToken checks a token secret against the token table. Inactive and
// expired tokens cannot authenticate.
func (s *Store) ValidateToken(ctx context.Context, secret string) (*Token, error) {
	t := Token{}
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, scopes, created_at, last_used, expires_at, active
FROM api_tokens WHERE token=?;`,
		secret).Scan(&t.ID, &t.Name, &t.Scopes, &t.CreatedAt, &t.LastUsed, &t.ExpiresAt, &active)
	if err == csql.ErrNoRows {
		return nil, hub.NewError(hub.ErrInvalidToken, "unknown token")
	}
	if err != nil {
		return nil, err
	}
	if active == 0 {
		return nil, hub.NewError(hub.ErrTokenInactive, "token is inactive")
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
		return nil, hub.NewError(hub.ErrTokenExpired, "token is expired")
	}
	t.Active = true
	return &t, nil
}

// TouchLastUsed stamps the last-used timestamp of a token.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE api_tokens SET last_used=? WHERE id=?;`,
			time.Now().UTC(), id)
		return err
	})
}

// ListTokens returns all tokens without their secrets.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scopes, created_at, last_used, expires_at, active
FROM api_tokens ORDER BY created_at;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []Token{}
	for rows.Next() {
		var (
			t      Token
			active int
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Scopes, &t.CreatedAt, &t.LastUsed, &t.ExpiresAt, &active); err != nil {
			return nil, err
		}
		t.Active = active != 0
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM api_tokens WHERE id=?;`, id)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return hub.NewError(hub.ErrNotFound, "no such token")
		}
		return nil
	})
}
