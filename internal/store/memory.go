package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"provably-fair-backend/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialized and
// stage their writes until fn returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	rounds   map[string]*models.Round
	order    []string
	entries  []models.LedgerEntry
	nonces   map[string]uint64
	policies map[models.GameType][]models.Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:   make(map[string]*models.Round),
		nonces:   make(map[string]uint64),
		policies: make(map[models.GameType][]models.Policy),
	}
}

func (s *MemoryStore) Tx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:      s,
		rounds: make(map[string]*models.Round),
		nonces: make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	s        *MemoryStore
	rounds   map[string]*models.Round
	added    []string
	entries  []models.LedgerEntry
	nonces   map[string]uint64
	policies []models.Policy
}

func (t *memTx) apply() {
	s := t.s
	for id, r := range t.rounds {
		s.rounds[id] = r
	}
	s.order = append(s.order, t.added...)
	s.entries = append(s.entries, t.entries...)
	for player, n := range t.nonces {
		s.nonces[player] = n
	}
	for _, p := range t.policies {
		s.policies[p.Game] = append(s.policies[p.Game], p)
	}
}

func (t *memTx) round(id string) (*models.Round, bool) {
	if r, ok := t.rounds[id]; ok {
		return r, true
	}
	r, ok := t.s.rounds[id]
	return r, ok
}

func (t *memTx) GetRound(id string) (*models.Round, error) {
	r, ok := t.round(id)
	if !ok {
		return nil, fmt.Errorf("%w: round %s", models.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (t *memTx) InsertRound(r *models.Round) error {
	if _, ok := t.round(r.ID); ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	t.rounds[r.ID] = r.Clone()
	t.added = append(t.added, r.ID)
	return nil
}

func (t *memTx) UpdateRound(r *models.Round) error {
	current, ok := t.round(r.ID)
	if !ok {
		return fmt.Errorf("%w: round %s", models.ErrNotFound, r.ID)
	}
	if current.Version != r.Version {
		return fmt.Errorf("%w: round %s at version %d, expected %d", ErrConflict, r.ID, current.Version, r.Version)
	}
	r.Version++
	t.rounds[r.ID] = r.Clone()
	return nil
}

func (t *memTx) allIDs() []string {
	return append(slices.Clone(t.s.order), t.added...)
}

func (t *memTx) PlayerRounds(playerID string, limit int) ([]*models.Round, error) {
	var out []*models.Round
	ids := t.allIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		r, _ := t.round(ids[i])
		if r.PlayerID != playerID {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) OpenRounds(playerID, sessionID string) ([]*models.Round, error) {
	var out []*models.Round
	for _, id := range t.allIDs() {
		r, _ := t.round(id)
		if r.PlayerID == playerID && r.SessionID == sessionID && !r.State.Terminal() {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (t *memTx) StaleRounds(before time.Time, limit int, states ...models.RoundState) ([]*models.Round, error) {
	var out []*models.Round
	for _, id := range t.allIDs() {
		r, _ := t.round(id)
		if !slices.Contains(states, r.State) {
			continue
		}
		if !r.OpenedAt.Before(before) {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) NextNonce(playerID string) (uint64, error) {
	n, ok := t.nonces[playerID]
	if !ok {
		n = t.s.nonces[playerID]
	}
	n++
	t.nonces[playerID] = n
	return n, nil
}

func (t *memTx) allEntries() []models.LedgerEntry {
	return append(slices.Clone(t.s.entries), t.entries...)
}

func (t *memTx) AppendEntry(e models.LedgerEntry) error {
	t.entries = append(t.entries, e)
	return nil
}

func (t *memTx) Balance(playerID string) (int64, error) {
	var sum int64
	for _, e := range t.allEntries() {
		if e.PlayerID == playerID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (t *memTx) Entries(playerID string, limit int) ([]models.LedgerEntry, error) {
	all := t.allEntries()
	var out []models.LedgerEntry
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].PlayerID != playerID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) RoundEntries(roundID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, e := range t.allEntries() {
		if e.RoundID == roundID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) versions(game models.GameType) []models.Policy {
	out := slices.Clone(t.s.policies[game])
	for _, p := range t.policies {
		if p.Game == game {
			out = append(out, p)
		}
	}
	return out
}

func (t *memTx) Policy(game models.GameType, version int) (models.Policy, error) {
	for _, p := range t.versions(game) {
		if p.Version == version {
			return p, nil
		}
	}
	return models.Policy{}, fmt.Errorf("%w: policy %s v%d", models.ErrNotFound, game, version)
}

func (t *memTx) LatestPolicy(game models.GameType) (models.Policy, error) {
	vs := t.versions(game)
	if len(vs) == 0 {
		return models.Policy{}, fmt.Errorf("%w: no policy for %s", models.ErrNotFound, game)
	}
	return slices.MaxFunc(vs, func(a, b models.Policy) int { return a.Version - b.Version }), nil
}

func (t *memTx) PutPolicy(p models.Policy) error {
	if _, err := t.Policy(p.Game, p.Version); err == nil {
		return fmt.Errorf("%w: policy %s v%d already published", ErrConflict, p.Game, p.Version)
	}
	t.policies = append(t.policies, p)
	return nil
}
