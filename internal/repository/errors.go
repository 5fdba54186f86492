package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSessionNotActive is returned when a write requires an IN_PROGRESS session.
	ErrSessionNotActive = errors.New("session is not in progress")
	// ErrNoAttemptsLeft is returned when a run reservation would exceed the budget.
	ErrNoAttemptsLeft = errors.New("no run attempts left")
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
