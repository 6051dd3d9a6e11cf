// Package store persists rounds, ledger entries, nonces and policy versions.
// Every read and write happens inside a transaction; writes staged by a
// failed transaction are never visible.
package store

import (
	"context"
	"errors"
	"time"

	"provably-fair-backend/internal/models"
)

var (
	// ErrConflict means a round changed since it was read.
	ErrConflict = errors.New("store: version conflict")
	// ErrBusy is a transient backend failure that is safe to retry.
	ErrBusy = errors.New("store: busy")
)

// Retryable reports whether a transaction failure may succeed on retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBusy)
}

type Store interface {
	Tx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

type Tx interface {
	GetRound(id string) (*models.Round, error)
	InsertRound(r *models.Round) error
	// UpdateRound stores r if the stored version still equals r.Version, then
	// bumps r.Version.
	UpdateRound(r *models.Round) error
	// PlayerRounds lists a player's rounds, newest first.
	PlayerRounds(playerID string, limit int) ([]*models.Round, error)
	// OpenRounds lists a player's non-terminal rounds in one session.
	OpenRounds(playerID, sessionID string) ([]*models.Round, error)
	// StaleRounds lists rounds in one of states opened before the cutoff,
	// oldest first.
	StaleRounds(before time.Time, limit int, states ...models.RoundState) ([]*models.Round, error)
	NextNonce(playerID string) (uint64, error)

	AppendEntry(e models.LedgerEntry) error
	Balance(playerID string) (int64, error)
	// Entries lists a player's ledger entries, newest first.
	Entries(playerID string, limit int) ([]models.LedgerEntry, error)
	RoundEntries(roundID string) ([]models.LedgerEntry, error)

	Policy(game models.GameType, version int) (models.Policy, error)
	LatestPolicy(game models.GameType) (models.Policy, error)
	PutPolicy(p models.Policy) error
}
