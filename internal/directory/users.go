// Package directory resolves user contact cards from the users table.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/dispatch"
)

// Users implements dispatch.Directory.
type Users struct {
	db consultations.DB
}

var _ dispatch.Directory = (*Users)(nil)

func NewUsers(db consultations.DB) *Users {
	if db == nil {
		panic("directory: db required")
	}
	return &Users{db: db}
}

func (u *Users) Lookup(ctx context.Context, userID uuid.UUID) (dispatch.Participant, error) {
	p := dispatch.Participant{ID: userID}
	err := u.db.QueryRow(ctx, `SELECT name, email FROM users WHERE id = $1`, userID).Scan(&p.Name, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Participant{}, apperr.NotFound("user not found")
	}
	if err != nil {
		return dispatch.Participant{}, fmt.Errorf("directory: lookup %s: %w", userID, err)
	}
	return p, nil
}

// Role returns the stored role of a user.
func (u *Users) Role(ctx context.Context, userID uuid.UUID) (string, error) {
	var role string
	err := u.db.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("user not found")
	}
	if err != nil {
		return "", fmt.Errorf("directory: role %s: %w", userID, err)
	}
	return role, nil
}
