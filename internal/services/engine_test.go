package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/services"
	"provably-fair-backend/internal/store"
)

var (
	alice     = models.Identity{PlayerID: "alice", SessionID: "s1"}
	bob       = models.Identity{PlayerID: "bob", SessionID: "s1"}
	operator  = models.Identity{PlayerID: "ops", SessionID: "console", Role: models.RoleAdmin}
	redParams = json.RawMessage(`{"bet":"red"}`)
)

const roundTimeout = 10 * time.Minute

type harness struct {
	engine   *services.RoundEngine
	store    store.Store
	registry *policy.Registry
	hub      *services.Hub
	clock    *quartz.Mock
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func newHarness(t *testing.T, startingBalance int64) *harness {
	t.Helper()
	return newHarnessWithStore(t, store.NewMemoryStore(), nil, startingBalance)
}

// newHarnessWithStore lets the engine run against a wrapped store while
// policies stay on the plain one.
func newHarnessWithStore(t *testing.T, base store.Store, wrap func(store.Store) store.Store, startingBalance int64) *harness {
	t.Helper()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	logger := quietLogger()

	registry := policy.NewRegistry(base, logger, clock)
	require.NoError(t, registry.Bootstrap(ctx, policy.Defaults()))

	vault, err := fairness.NewEphemeralVault()
	require.NoError(t, err)

	engineStore := base
	if wrap != nil {
		engineStore = wrap(base)
	}
	hub := services.NewHub(logger)
	engine := services.NewRoundEngine(engineStore, registry, vault, services.NewLocalLocker(), hub, clock, logger, services.EngineOptions{
		RoundTimeout:    roundTimeout,
		StartingBalance: startingBalance,
	})
	t.Cleanup(engine.Close)

	return &harness{engine: engine, store: base, registry: registry, hub: hub, clock: clock}
}

func (h *harness) roundEntries(t *testing.T, roundID string) []models.LedgerEntry {
	t.Helper()
	var entries []models.LedgerEntry
	require.NoError(t, h.store.Tx(context.Background(), func(tx store.Tx) error {
		var err error
		entries, err = tx.RoundEntries(roundID)
		return err
	}))
	return entries
}

func sumDeltas(entries []models.LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return sum
}

func kinds(entries []models.LedgerEntry) []models.EntryKind {
	out := make([]models.EntryKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func openRoulette(t *testing.T, h *harness, id models.Identity, stake int64) *models.Round {
	t.Helper()
	r, err := h.engine.OpenRound(context.Background(), id, models.OpenRoundRequest{
		GameType:   models.GameTypeRoulette,
		Stake:      stake,
		ClientSeed: "lucky",
		Params:     redParams,
	})
	require.NoError(t, err)
	return r
}

func TestOpenRoundHoldsStake(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette,
		Stake:    250,
		Params:   redParams,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StateOpened, r.State)
	assert.Equal(t, uint64(1), r.Nonce)
	assert.Equal(t, 1, r.PolicyVersion)
	assert.Len(t, r.ServerSeedHash, 64)
	assert.Empty(t, r.ServerSeed)
	assert.Nil(t, r.Draw)

	bal, err := h.engine.Balance(ctx, alice.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, int64(9750), bal.Balance)
	assert.Equal(t, int64(250), bal.Held)
	assert.Equal(t, "97.50", bal.Formatted)

	entries := h.roundEntries(t, r.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryHold, entries[0].Kind)
	assert.Equal(t, int64(-250), entries[0].Delta)
}

func TestOpenRoundWithClientSeedCommits(t *testing.T) {
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	assert.Equal(t, models.StateCommitted, r.State)
	assert.Equal(t, "lucky", r.ClientSeed)
	require.NotNil(t, r.Draw)
	require.NotNil(t, r.Draw.Slot)
	assert.NotNil(t, r.CommittedAt)
}

func TestNoncesIncreasePerPlayer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	var last uint64
	for i := 0; i < 3; i++ {
		r := openRoulette(t, h, alice, 10)
		assert.Greater(t, r.Nonce, last)
		last = r.Nonce
		_, err := h.engine.Resolve(ctx, alice, r.ID, "")
		require.NoError(t, err)
		_, err = h.engine.Settle(ctx, alice, r.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), openRoulette(t, h, bob, 10).Nonce)
}

func TestStakeBoundaries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1_000_000)

	tests := []struct {
		stake   int64
		wantErr error
	}{
		{stake: 9, wantErr: models.ErrInvalidStake},
		{stake: 10},
		{stake: 100000},
		{stake: 100001, wantErr: models.ErrInvalidStake},
		{stake: 0, wantErr: models.ErrInvalidStake},
	}
	for _, tt := range tests {
		player := models.Identity{PlayerID: fmt.Sprintf("p%d", tt.stake), SessionID: "s"}
		_, err := h.engine.OpenRound(ctx, player, models.OpenRoundRequest{
			GameType: models.GameTypeDice,
			Stake:    tt.stake,
			Params:   json.RawMessage(`{"target":5000,"over":true}`),
		})
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, "stake %d", tt.stake)
		} else {
			assert.NoError(t, err, "stake %d", tt.stake)
		}
	}
}

func TestInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 50)

	_, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette,
		Stake:    60,
		Params:   redParams,
	})
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	bal, err := h.engine.Balance(ctx, alice.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Balance)
	assert.Zero(t, bal.Held)
}

func TestSettlementLedgerSum(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	resolved, err := h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.StateResolved, resolved.State)
	require.NotNil(t, resolved.Outcome)

	res, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CalculatePayout(100, resolved.Outcome.Multiplier), res.Payout)

	entries := h.roundEntries(t, r.ID)
	assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntrySettle}, kinds(entries))
	assert.Equal(t, res.Payout-100, sumDeltas(entries))

	bal, err := h.engine.Balance(ctx, alice.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, 10000+res.Payout-100, bal.Balance)
	assert.Equal(t, bal.Balance, res.BalanceAfter)
	assert.Zero(t, bal.Held)
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	first, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)
	second, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Payout, second.Payout)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)
	assert.True(t, first.Multiplier.Equal(second.Multiplier))

	settles := 0
	for _, e := range h.roundEntries(t, r.ID) {
		if e.Kind == models.EntrySettle {
			settles++
		}
	}
	assert.Equal(t, 1, settles)

	_, err = h.engine.Void(ctx, operator, r.ID, "late")
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestConcurrentSettleCreditsOnce(t *testing.T) {
	stores := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rounds.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarnessWithStore(t, open(t), nil, 10000)
			r := openRoulette(t, h, alice, 100)
			resolved, err := h.engine.Resolve(ctx, alice, r.ID, "")
			require.NoError(t, err)
			payout := models.CalculatePayout(100, resolved.Outcome.Multiplier)

			const callers = 16
			var wg sync.WaitGroup
			var failed atomic.Int32
			results := make([]models.GameResult, callers)
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := h.engine.Settle(ctx, alice, r.ID)
					if err != nil {
						failed.Add(1)
						return
					}
					results[i] = res
				}()
			}
			wg.Wait()

			assert.Zero(t, failed.Load())
			for _, res := range results {
				assert.Equal(t, payout, res.Payout)
				assert.Equal(t, 10000-100+payout, res.BalanceAfter)
			}
			entries := h.roundEntries(t, r.ID)
			assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntrySettle}, kinds(entries))

			bal, err := h.engine.Balance(ctx, alice.PlayerID)
			require.NoError(t, err)
			assert.Equal(t, 10000-100+payout, bal.Balance)
			assert.Zero(t, bal.Held)
		})
	}
}

func TestStateMachineRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Settle(ctx, alice, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = h.engine.Commit(ctx, alice, r.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.Resolve(ctx, alice, r.ID, "")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionHit})
	assert.ErrorIs(t, err, models.ErrInvalidParams)
}

func TestCommitThenResolveWithFixedSeed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeDice,
		Stake:    100,
		Params:   json.RawMessage(`{"target":5000,"over":false}`),
	})
	require.NoError(t, err)

	committed, err := h.engine.Commit(ctx, alice, r.ID, "")
	require.NoError(t, err)
	assert.Len(t, committed.ClientSeed, 32)
	require.NotNil(t, committed.Draw)

	_, err = h.engine.Resolve(ctx, alice, r.ID, "other-seed")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	resolved, err := h.engine.Resolve(ctx, alice, r.ID, committed.ClientSeed)
	require.NoError(t, err)
	assert.Equal(t, *committed.Draw.Roll, *resolved.Outcome.Draw.Roll)
}

func TestRoundInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	pending, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 10, Params: redParams,
	})
	require.NoError(t, err)

	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeDice, Stake: 10, Params: json.RawMessage(`{"target":5000,"over":true}`),
	})
	assert.ErrorIs(t, err, models.ErrRoundInFlight)

	// Another device session is independent.
	other := models.Identity{PlayerID: alice.PlayerID, SessionID: "s2"}
	_, err = h.engine.OpenRound(ctx, other, models.OpenRoundRequest{
		GameType: models.GameTypeDice, Stake: 10, Params: json.RawMessage(`{"target":5000,"over":true}`),
	})
	assert.NoError(t, err)

	_, err = h.engine.Void(ctx, alice, pending.ID, "")
	require.NoError(t, err)

	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeMines, Stake: 10, Params: json.RawMessage(`{"mines":3}`),
	})
	require.NoError(t, err)
	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeTower, Stake: 10, Params: json.RawMessage(`{"risk":"low"}`),
	})
	require.NoError(t, err, "different multi-step games may run side by side")
	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeMines, Stake: 10, Params: json.RawMessage(`{"mines":3}`),
	})
	assert.ErrorIs(t, err, models.ErrRoundInFlight)
	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 10, Params: redParams,
	})
	assert.ErrorIs(t, err, models.ErrRoundInFlight)
}

func TestVoidPermissions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeMines, Stake: 100, ClientSeed: "seed", Params: json.RawMessage(`{"mines":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, models.StateCommitted, r.State)

	_, err = h.engine.Void(ctx, alice, r.ID, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)

	_, err = h.engine.Void(ctx, bob, r.ID, "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	voided, err := h.engine.Void(ctx, operator, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateVoided, voided.State)
	assert.Equal(t, services.VoidReasonAdmin, voided.VoidReason)
	assert.True(t, fairness.CheckCommitment(voided.ServerSeed, voided.ServerSeedHash))

	again, err := h.engine.Void(ctx, operator, r.ID, "twice")
	require.NoError(t, err)
	assert.Equal(t, services.VoidReasonAdmin, again.VoidReason)

	entries := h.roundEntries(t, r.ID)
	assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntryRelease}, kinds(entries))
	assert.Zero(t, sumDeltas(entries))
}

func TestPlayerCancelsOpenedRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	require.NoError(t, err)

	voided, err := h.engine.Void(ctx, alice, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, services.VoidReasonPlayer, voided.VoidReason)

	report, err := h.engine.Verify(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.True(t, report.HashOK)
	assert.True(t, report.Consistent)
	assert.Nil(t, report.RecomputedOutcome)
}

func TestMinesScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeMines, Stake: 10, ClientSeed: "mines-seed", Params: json.RawMessage(`{"mines":5}`),
	})
	require.NoError(t, err)
	require.Len(t, r.Draw.Mines, 5)

	var safe []int
	for cell := 0; len(safe) < 3; cell++ {
		if !slices.Contains(r.Draw.Mines, cell) {
			safe = append(safe, cell)
		}
	}
	for i, cell := range safe {
		step, round, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionReveal, Cell: &cell})
		require.NoError(t, err)
		assert.True(t, step.Safe)
		assert.Equal(t, models.StateActive, round.State)
		assert.Len(t, step.Revealed, i+1)
	}

	step, round, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionCashout})
	require.NoError(t, err)
	assert.True(t, step.Finished)
	assert.Equal(t, models.StateResolved, round.State)
	assert.Equal(t, "1.3", round.Outcome.Multiplier.String())

	_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionCashout})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	res, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), res.Payout)
	assert.Equal(t, int64(3), sumDeltas(h.roundEntries(t, r.ID)))
}

func TestMinesHitResolvesRound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeMines, Stake: 10, ClientSeed: "boom", Params: json.RawMessage(`{"mines":5}`),
	})
	require.NoError(t, err)

	mine := r.Draw.Mines[0]
	step, round, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionReveal, Cell: &mine})
	require.NoError(t, err)
	assert.False(t, step.Safe)
	assert.Equal(t, models.StateResolved, round.State)
	assert.False(t, round.Outcome.Win)

	res, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Payout)
	entries := h.roundEntries(t, r.ID)
	assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntrySettle}, kinds(entries))
	assert.Equal(t, int64(-10), sumDeltas(entries))
}

func isNatural(hand []models.Card) bool {
	return len(hand) == 2 && games.HandValue(hand) == 21
}

func TestBlackjackOpeningHandIsShown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000)

	for attempt := 0; attempt < 50; attempt++ {
		r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{GameType: models.GameTypeBlackjack, Stake: 10})
		require.NoError(t, err)
		assert.Nil(t, r.Hand)

		r, err = h.engine.Commit(ctx, alice, r.ID, fmt.Sprintf("table-%d", attempt))
		require.NoError(t, err)
		deck := r.Draw.Deck
		require.NotNil(t, r.Hand)
		assert.Equal(t, []models.Card{deck[0], deck[2]}, r.Hand.Player)
		assert.Equal(t, games.HandValue(r.Hand.Player), r.Hand.PlayerTotal)
		assert.Equal(t, deck[1], r.Hand.DealerUp)
		if r.State == models.StateResolved {
			_, err = h.engine.Settle(ctx, alice, r.ID)
			require.NoError(t, err)
			continue
		}
		require.Equal(t, models.StateCommitted, r.State)

		pub := r.Public()
		assert.Nil(t, pub.Draw)
		assert.Equal(t, r.Hand, pub.Hand)

		step, active, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionStart})
		require.NoError(t, err)
		assert.Equal(t, models.StateActive, active.State)
		assert.Equal(t, r.Hand.Player, step.Cards)
		assert.False(t, step.Finished)

		_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionStart})
		assert.ErrorIs(t, err, models.ErrInvalidState)

		step, done, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionStand})
		require.NoError(t, err)
		assert.True(t, step.Finished)
		assert.Equal(t, models.StateResolved, done.State)
		assert.Equal(t, r.Hand.Player, done.Outcome.PlayerCards)
		return
	}
	t.Fatal("every deal was a natural")
}

func TestDealerBlackjackResolvesAtDeal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000000)

	for attempt := 0; attempt < 500; attempt++ {
		r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
			GameType: models.GameTypeBlackjack, Stake: 10, ClientSeed: fmt.Sprintf("deal-%d", attempt),
		})
		require.NoError(t, err)
		deck := r.Draw.Deck
		player := []models.Card{deck[0], deck[2]}
		dealer := []models.Card{deck[1], deck[3]}

		if r.State != models.StateResolved {
			assert.False(t, isNatural(player) || isNatural(dealer))
			_, err = h.engine.Resolve(ctx, alice, r.ID, "")
			require.NoError(t, err)
			_, err = h.engine.Settle(ctx, alice, r.ID)
			require.NoError(t, err)
			continue
		}
		require.True(t, isNatural(player) || isNatural(dealer))
		if !isNatural(dealer) {
			_, err = h.engine.Settle(ctx, alice, r.ID)
			require.NoError(t, err)
			continue
		}

		require.NotNil(t, r.Outcome)
		assert.NotNil(t, r.ResolvedAt)
		assert.Equal(t, dealer, r.Outcome.DealerCards)
		assert.Equal(t, deck[1], r.Hand.DealerUp)
		want := "0"
		if isNatural(player) {
			want = "1"
		} else {
			assert.Equal(t, "dealer blackjack", r.Outcome.Result)
		}
		assert.Equal(t, want, r.Outcome.Multiplier.String())

		_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionHit})
		assert.ErrorIs(t, err, models.ErrInvalidState)

		res, err := h.engine.Settle(ctx, alice, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CalculatePayout(10, r.Outcome.Multiplier), res.Payout)
		assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntrySettle}, kinds(h.roundEntries(t, r.ID)))
		return
	}
	t.Fatal("no dealer blackjack in 500 deals")
}

func TestCrashCashoutUsesServerTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	// Find a seed whose crash point leaves room for a 1.12x cashout.
	var r *models.Round
	for i := 0; i < 50; i++ {
		open, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
			GameType: models.GameTypeCrash, Stake: 100, ClientSeed: fmt.Sprintf("flight-%d", i),
		})
		require.NoError(t, err)
		if *open.Draw.CrashPoint >= 200 {
			r = open
			break
		}
		_, err = h.engine.Void(ctx, operator, open.ID, "")
		require.NoError(t, err)
	}
	require.NotNil(t, r, "no seed produced a crash point above 2x")

	_, _, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionStart})
	require.NoError(t, err)
	_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionStart})
	assert.ErrorIs(t, err, models.ErrInvalidState)

	h.clock.Advance(2 * time.Second).MustWait(ctx)
	step, round, err := h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionCashout})
	require.NoError(t, err)
	assert.Equal(t, "1.12", step.Multiplier.StringFixed(2))
	assert.Equal(t, models.StateResolved, round.State)

	res, err := h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(112), res.Payout)
}

func TestVerifyRoundtrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Verify(ctx, alice, r.ID)
	require.ErrorIs(t, err, models.ErrNotTerminal)

	_, err = h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)

	report, err := h.engine.Verify(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.True(t, report.HashOK)
	assert.True(t, report.Consistent)
	assert.Equal(t, fairness.HashSeed(report.ServerSeed), report.ServerSeedHash)
	assert.Equal(t, "lucky", report.ClientSeed)
	require.NotNil(t, report.RecomputedOutcome)
	assert.Equal(t, report.Outcome.Result, report.RecomputedOutcome.Result)

	_, err = h.engine.Verify(ctx, bob, r.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.engine.Verify(ctx, operator, r.ID)
	assert.NoError(t, err)
}

func TestPolicyVersionIsPinned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeDice, Stake: 100, ClientSeed: "pin", Params: json.RawMessage(`{"target":5000,"over":false}`),
	})
	require.NoError(t, err)

	rtp := decimal.RequireFromString("0.5")
	_, err = h.registry.Publish(ctx, models.GameTypeDice, models.PolicyUpdate{TargetRTP: &rtp})
	require.NoError(t, err)

	resolved, err := h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	if resolved.Outcome.Win {
		assert.Equal(t, "1.98", resolved.Outcome.Multiplier.String())
	}
	_, err = h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)

	report, err := h.engine.Verify(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PolicyVersion)
	assert.True(t, report.Consistent)
}

func TestDisabledGame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	off := false
	_, err := h.registry.Publish(ctx, models.GameTypeRoulette, models.PolicyUpdate{Enabled: &off})
	require.NoError(t, err)

	_, err = h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	assert.ErrorIs(t, err, models.ErrGameDisabled)
}

func TestTamperedDrawHaltsSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)

	require.NoError(t, h.store.Tx(ctx, func(tx store.Tx) error {
		stored, err := tx.GetRound(r.ID)
		if err != nil {
			return err
		}
		slot := (*stored.Draw.Slot + 1) % 37
		stored.Draw.Slot = &slot
		return tx.UpdateRound(stored)
	}))

	_, err = h.engine.Settle(ctx, alice, r.ID)
	require.ErrorIs(t, err, models.ErrIntegrityViolation)

	stored, err := h.engine.Round(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateResolved, stored.State)
	assert.Equal(t, []models.EntryKind{models.EntryHold}, kinds(h.roundEntries(t, r.ID)))
}

func TestTamperedOutcomeFailsVerify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Resolve(ctx, alice, r.ID, "")
	require.NoError(t, err)
	_, err = h.engine.Settle(ctx, alice, r.ID)
	require.NoError(t, err)

	require.NoError(t, h.store.Tx(ctx, func(tx store.Tx) error {
		stored, err := tx.GetRound(r.ID)
		if err != nil {
			return err
		}
		stored.Outcome.Multiplier = decimal.NewFromInt(36)
		return tx.UpdateRound(stored)
	}))

	report, err := h.engine.Verify(ctx, alice, r.ID)
	require.ErrorIs(t, err, models.ErrIntegrityViolation)
	require.NotNil(t, report)
	assert.True(t, report.HashOK)
	assert.False(t, report.Consistent)
}

func TestSweepVoidsExpiredRounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	require.NoError(t, err)

	n, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(roundTimeout + time.Second).MustWait(ctx)
	n, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.engine.Round(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateVoided, stored.State)
	assert.Equal(t, services.VoidReasonExpired, stored.VoidReason)

	entries := h.roundEntries(t, r.ID)
	assert.Equal(t, []models.EntryKind{models.EntryHold, models.EntryRelease}, kinds(entries))
	assert.Zero(t, sumDeltas(entries))

	bal, err := h.engine.Balance(ctx, alice.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Balance)
}

func TestExpiredRoundRejectsPlay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	require.NoError(t, err)

	h.clock.Advance(roundTimeout + time.Second).MustWait(ctx)

	_, err = h.engine.Commit(ctx, alice, r.ID, "late")
	assert.ErrorIs(t, err, models.ErrRoundExpired)
	_, err = h.engine.Resolve(ctx, alice, r.ID, "")
	assert.ErrorIs(t, err, models.ErrRoundExpired)

	stored, err := h.engine.Round(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpened, stored.State)

	n, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepFinishesAbandonedRounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)

	r, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeTower, Stake: 100, ClientSeed: "climb", Params: json.RawMessage(`{"risk":"low"}`),
	})
	require.NoError(t, err)
	side := r.Draw.SafeSides[0]
	_, _, err = h.engine.Action(ctx, alice, r.ID, models.ActionRequest{Type: models.ActionPick, Side: side})
	require.NoError(t, err)

	h.clock.Advance(roundTimeout + time.Second).MustWait(ctx)
	n, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.engine.Round(ctx, alice, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, stored.State)
	require.NotNil(t, stored.Payout)
	assert.Equal(t, int64(194), *stored.Payout)
}

func TestCreditAndEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	_, err := h.engine.Credit(ctx, alice.PlayerID, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParams)

	entry, err := h.engine.Credit(ctx, alice.PlayerID, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(500), entry.BalanceAfter)

	entries, err := h.engine.Entries(ctx, alice.PlayerID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(400), entries[0].Delta)
	assert.Equal(t, models.EntryGrant, entries[1].Kind)
}

func TestRoundsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	r := openRoulette(t, h, alice, 100)

	_, err := h.engine.Round(ctx, bob, r.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.engine.Round(ctx, alice, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	rounds, err := h.engine.Rounds(ctx, alice.PlayerID, 10)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, r.ID, rounds[0].ID)
}

func TestEventsFollowCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10000)
	sub := h.hub.Subscribe(alice.PlayerID)
	defer sub.Close()

	r := openRoulette(t, h, alice, 100)

	var got []models.EventType
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			if ev.Type != models.EventBalanceUpdate {
				assert.Equal(t, r.ID, ev.RoundID)
			}
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("only received %v", got)
		}
	}
	assert.Equal(t, []models.EventType{models.EventRoundOpened, models.EventRoundCommitted, models.EventBalanceUpdate}, got)

	_, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{GameType: models.GameTypeRoulette, Stake: 1, Params: redParams})
	require.Error(t, err)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after failed open: %v", ev.Type)
	default:
	}
}

// flakyStore fails the first n transactions with a retryable error.
type flakyStore struct {
	store.Store
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) Tx(ctx context.Context, fn func(store.Tx) error) error {
	if f.calls.Add(1) <= f.failures {
		return store.ErrBusy
	}
	return f.Store.Tx(ctx, fn)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failures: 2}
	h := newHarnessWithStore(t, store.NewMemoryStore(), func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	}, 10000)

	_, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failures: 1 << 20}
	h := newHarnessWithStore(t, store.NewMemoryStore(), func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	}, 10000)

	_, err := h.engine.OpenRound(ctx, alice, models.OpenRoundRequest{
		GameType: models.GameTypeRoulette, Stake: 100, Params: redParams,
	})
	require.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, int32(4), flaky.calls.Load())
}
