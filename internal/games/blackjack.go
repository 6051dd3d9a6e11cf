package games

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/models"
)

var (
	cardSuits = []string{"♦", "♥", "♠", "♣"}
	cardRanks = []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K", "A"}
)

func newDeck() []models.Card {
	deck := make([]models.Card, 0, 52)
	for _, rank := range cardRanks {
		for _, suit := range cardSuits {
			deck = append(deck, models.Card{Rank: rank, Suit: suit})
		}
	}
	return deck
}

func cardValue(c models.Card) int {
	switch c.Rank {
	case "A":
		return 11
	case "J", "Q", "K", "10":
		return 10
	default:
		return int(c.Rank[0] - '0')
	}
}

// HandValue counts aces as 11 and drops them to 1 while the hand is bust.
func HandValue(hand []models.Card) int {
	total, aces := 0, 0
	for _, c := range hand {
		total += cardValue(c)
		if c.Rank == "A" {
			aces++
		}
	}
	for total > 21 && aces > 0 {
		total -= 10
		aces--
	}
	return total
}

func isBlackjack(hand []models.Card) bool {
	return len(hand) == 2 && HandValue(hand) == 21
}

var (
	blackjackNatural = decimal.RequireFromString("2.5")
	blackjackWin     = decimal.NewFromInt(2)
)

// BlackjackGame deals from a single deck shuffled at commit time. The
// dealer stands on all 17s.
type BlackjackGame struct{}

func (g *BlackjackGame) Game() models.GameType { return models.GameTypeBlackjack }
func (g *BlackjackGame) MultiStep() bool       { return true }

func (g *BlackjackGame) ValidateParams(params json.RawMessage, p models.Policy) error {
	return nil
}

// Draw is a Fisher-Yates shuffle driven by the fair stream.
func (g *BlackjackGame) Draw(s *fairness.Stream, params json.RawMessage, p models.Policy) (models.Draw, error) {
	deck := newDeck()
	for i := len(deck) - 1; i > 0; i-- {
		j := s.Intn(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}
	return models.Draw{Deck: deck}, nil
}

type blackjackTable struct {
	player []models.Card
	dealer []models.Card
	next   int
	stood  bool
}

func (t *blackjackTable) done() bool {
	return t.stood || HandValue(t.player) >= 21 || isBlackjack(t.dealer)
}

func (g *BlackjackGame) replay(r *models.Round) (*blackjackTable, error) {
	draw, err := requireDraw(r)
	if err != nil {
		return nil, err
	}
	deck := draw.Deck
	t := &blackjackTable{
		player: []models.Card{deck[0], deck[2]},
		dealer: []models.Card{deck[1], deck[3]},
		next:   4,
	}
	for _, a := range r.Actions {
		if t.done() {
			break
		}
		switch a.Type {
		case models.ActionHit:
			t.player = append(t.player, deck[t.next])
			t.next++
		case models.ActionStand:
			t.stood = true
		}
	}
	return t, nil
}

func (g *BlackjackGame) Step(r *models.Round, p models.Policy, action models.Action) (models.StepResult, error) {
	t, err := g.replay(r)
	if err != nil {
		return models.StepResult{}, err
	}
	if t.done() {
		return models.StepResult{}, fmt.Errorf("%w: hand already finished", models.ErrInvalidState)
	}
	switch action.Type {
	case models.ActionStart:
		// deal only; the opening cards are already on the table
	case models.ActionHit:
		t.player = append(t.player, r.Draw.Deck[t.next])
		t.next++
	case models.ActionStand:
		t.stood = true
	default:
		return models.StepResult{}, fmt.Errorf("%w: blackjack accepts start, hit or stand, got %q", models.ErrInvalidParams, action.Type)
	}
	total := HandValue(t.player)
	return models.StepResult{
		RoundID:    r.ID,
		Action:     action.Type,
		Safe:       total <= 21,
		Finished:   t.done(),
		Multiplier: decimal.Zero,
		Cards:      t.player,
		Total:      total,
	}, nil
}

// Table shows the player's cards and the dealer's first card.
func (g *BlackjackGame) Table(r *models.Round) (*models.Hand, error) {
	t, err := g.replay(r)
	if err != nil {
		return nil, err
	}
	return &models.Hand{
		Player:      t.player,
		PlayerTotal: HandValue(t.player),
		DealerUp:    t.dealer[0],
	}, nil
}

func (g *BlackjackGame) Finished(r *models.Round, p models.Policy) bool {
	t, err := g.replay(r)
	if err != nil {
		return false
	}
	return t.done()
}

// Resolve stands on an unfinished hand, then plays the dealer out.
func (g *BlackjackGame) Resolve(r *models.Round, p models.Policy) (models.Outcome, error) {
	t, err := g.replay(r)
	if err != nil {
		return models.Outcome{}, err
	}
	player := HandValue(t.player)
	if player <= 21 && !isBlackjack(t.player) {
		for HandValue(t.dealer) < 17 {
			t.dealer = append(t.dealer, r.Draw.Deck[t.next])
			t.next++
		}
	}
	dealer := HandValue(t.dealer)

	var mult decimal.Decimal
	var result string
	switch {
	case player > 21:
		mult, result = decimal.Zero, "player bust"
	case isBlackjack(t.player) && isBlackjack(t.dealer):
		mult, result = one, "push"
	case isBlackjack(t.player):
		mult, result = blackjackNatural, "blackjack"
	case isBlackjack(t.dealer):
		mult, result = decimal.Zero, "dealer blackjack"
	case dealer > 21:
		mult, result = blackjackWin, "dealer bust"
	case player > dealer:
		mult, result = blackjackWin, "player wins"
	case player == dealer:
		mult, result = one, "push"
	default:
		mult, result = decimal.Zero, "dealer wins"
	}
	return models.Outcome{
		Draw:        *r.Draw,
		Win:         mult.IsPositive(),
		Multiplier:  mult,
		Result:      result,
		PlayerCards: t.player,
		DealerCards: t.dealer,
		PlayerTotal: player,
		DealerTotal: dealer,
	}, nil
}
