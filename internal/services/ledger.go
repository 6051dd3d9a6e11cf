package services

import (
	"fmt"

	"github.com/coder/quartz"

	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/store"
)

// Ledger posts balance movements. It only ever appends: a player's balance
// is the sum of their entries, so there is no stored total to drift.
type Ledger struct {
	clock           quartz.Clock
	startingBalance int64
}

func NewLedger(clock quartz.Clock, startingBalance int64) *Ledger {
	return &Ledger{clock: clock, startingBalance: startingBalance}
}

// EnsureAccount grants the starting balance to a player with no history.
func (l *Ledger) EnsureAccount(tx store.Tx, playerID string) (bool, error) {
	if l.startingBalance <= 0 {
		return false, nil
	}
	existing, err := tx.Entries(playerID, 1)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if _, err := l.Post(tx, playerID, "", models.EntryGrant, l.startingBalance); err != nil {
		return false, err
	}
	return true, nil
}

// Post appends one entry. A movement that would take the balance below zero
// is refused.
func (l *Ledger) Post(tx store.Tx, playerID, roundID string, kind models.EntryKind, delta int64) (models.LedgerEntry, error) {
	balance, err := tx.Balance(playerID)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	after := balance + delta
	if after < 0 {
		return models.LedgerEntry{}, fmt.Errorf("%w: balance %d, need %d", models.ErrInsufficientBalance, balance, -delta)
	}
	entry := models.LedgerEntry{
		ID:           models.GenerateEntryID(),
		PlayerID:     playerID,
		RoundID:      roundID,
		Delta:        delta,
		BalanceAfter: after,
		Kind:         kind,
		CreatedAt:    l.clock.Now().UTC(),
	}
	if err := tx.AppendEntry(entry); err != nil {
		return models.LedgerEntry{}, err
	}
	return entry, nil
}

// Held is the total stake locked in the player's unfinished rounds.
func (l *Ledger) Held(tx store.Tx, playerID string) (int64, error) {
	rounds, err := tx.PlayerRounds(playerID, 0)
	if err != nil {
		return 0, err
	}
	var held int64
	for _, r := range rounds {
		if !r.State.Terminal() {
			held += r.Stake
		}
	}
	return held, nil
}
