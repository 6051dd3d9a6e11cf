package rtp

import (
	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
)

const (
	minesReveals = 3
	towerLevels  = 3
	dealerStand  = 17
)

// nextAction is a fixed, draw-blind playing strategy. It returns false when
// the player would stop and let the round resolve.
func nextAction(r *models.Round, step int) (models.Action, bool) {
	switch r.GameType {
	case models.GameTypeMines:
		if step < minesReveals {
			cell := step
			return models.Action{Type: models.ActionReveal, Cell: &cell}, true
		}
		return models.Action{Type: models.ActionCashout}, true
	case models.GameTypeTower:
		if step < towerLevels {
			return models.Action{Type: models.ActionPick, Side: games.SideLeft}, true
		}
		return models.Action{Type: models.ActionCashout}, true
	case models.GameTypeBlackjack:
		if games.HandValue(playerHand(r)) < dealerStand {
			return models.Action{Type: models.ActionHit}, true
		}
		return models.Action{Type: models.ActionStand}, true
	default:
		return models.Action{}, false
	}
}

// playerHand mirrors the deal order: the player holds cards 0 and 2, and
// every hit takes the next card after the dealer's two.
func playerHand(r *models.Round) []models.Card {
	deck := r.Draw.Deck
	hand := []models.Card{deck[0], deck[2]}
	next := 4
	for _, a := range r.Actions {
		if a.Type == models.ActionHit && next < len(deck) {
			hand = append(hand, deck[next])
			next++
		}
	}
	return hand
}
