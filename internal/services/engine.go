package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/sethvargo/go-retry"

	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/games"
	"provably-fair-backend/internal/models"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/store"
)

const (
	VoidReasonExpired = "expired"
	VoidReasonPlayer  = "cancelled by player"
	VoidReasonAdmin   = "voided by operator"

	sweepBatch     = 100
	maxClientSeed  = 128
	txRetries      = 3
	txRetryBackoff = 10 * time.Millisecond
)

type EngineOptions struct {
	RoundTimeout    time.Duration
	StartingBalance int64
	// FlightTick is the crash multiplier push interval. Zero disables the
	// live flight feed.
	FlightTick time.Duration
}

// RoundEngine owns every round transition. Mutations for one player run
// under that player's lock inside a single store transaction, and events
// are published only after the transaction commits.
type RoundEngine struct {
	store    store.Store
	policies *policy.Registry
	vault    *fairness.Vault
	ledger   *Ledger
	locker   Locker
	events   Broadcaster
	flights  *FlightStreamer
	clock    quartz.Clock
	logger   *log.Logger
	timeout  time.Duration
}

func NewRoundEngine(
	s store.Store,
	policies *policy.Registry,
	vault *fairness.Vault,
	locker Locker,
	events Broadcaster,
	clock quartz.Clock,
	logger *log.Logger,
	opts EngineOptions,
) *RoundEngine {
	e := &RoundEngine{
		store:    s,
		policies: policies,
		vault:    vault,
		ledger:   NewLedger(clock, opts.StartingBalance),
		locker:   locker,
		events:   events,
		clock:    clock,
		logger:   logger,
		timeout:  opts.RoundTimeout,
	}
	if opts.FlightTick > 0 {
		e.flights = NewFlightStreamer(events, clock, logger, opts.FlightTick, e.landCrashed)
	}
	return e
}

// Close stops any live crash flights.
func (e *RoundEngine) Close() {
	if e.flights != nil {
		e.flights.Close()
	}
}

func (e *RoundEngine) now() time.Time {
	return e.clock.Now().UTC()
}

type eventQueue struct {
	events []models.RoundEvent
}

func (q *eventQueue) round(t models.EventType, r *models.Round, at time.Time) {
	ev := models.RoundEvent{
		Type:     t,
		PlayerID: r.PlayerID,
		RoundID:  r.ID,
		GameType: r.GameType,
		State:    r.State,
		Payout:   r.Payout,
		At:       at,
	}
	if r.Outcome != nil {
		m := r.Outcome.Multiplier
		ev.Multiplier = &m
	}
	q.events = append(q.events, ev)
}

func (q *eventQueue) balance(playerID string, balance int64, at time.Time) {
	q.events = append(q.events, models.RoundEvent{
		Type:     models.EventBalanceUpdate,
		PlayerID: playerID,
		Balance:  &balance,
		At:       at,
	})
}

// transact retries conflicts and busy errors with exponential backoff.
// Anything still failing after the last attempt surfaces as ErrTransient.
func (e *RoundEngine) transact(ctx context.Context, fn func(tx store.Tx) error) error {
	backoff := retry.WithMaxRetries(txRetries, retry.NewExponential(txRetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.store.Tx(ctx, fn)
		if store.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && store.Retryable(err) {
		e.logger.Warn("store transaction gave up", "attempts", txRetries+1, "err", err)
		return fmt.Errorf("%w: %v", models.ErrTransient, err)
	}
	return err
}

func (e *RoundEngine) mutate(ctx context.Context, playerID string, fn func(tx store.Tx, q *eventQueue) error) error {
	unlock, err := e.locker.Lock(ctx, "player:"+playerID)
	if err != nil {
		return err
	}
	defer unlock()

	var q eventQueue
	err = e.transact(ctx, func(tx store.Tx) error {
		q.events = q.events[:0]
		return fn(tx, &q)
	})
	if err != nil {
		return err
	}
	for _, ev := range q.events {
		e.events.Broadcast(ctx, ev)
	}
	return nil
}

// loadOwned reads a round the caller may see. Other players' rounds are
// reported as missing.
func (e *RoundEngine) loadOwned(ctx context.Context, id models.Identity, roundID string) (*models.Round, error) {
	var r *models.Round
	err := e.transact(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetRound(roundID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r.PlayerID != id.PlayerID && !id.IsAdmin() {
		return nil, fmt.Errorf("%w: round %s", models.ErrNotFound, roundID)
	}
	return r, nil
}

func (e *RoundEngine) onRound(ctx context.Context, id models.Identity, roundID string, fn func(tx store.Tx, r *models.Round, q *eventQueue) error) (*models.Round, error) {
	peek, err := e.loadOwned(ctx, id, roundID)
	if err != nil {
		return nil, err
	}
	var r *models.Round
	err = e.mutate(ctx, peek.PlayerID, func(tx store.Tx, q *eventQueue) error {
		var err error
		r, err = tx.GetRound(roundID)
		if err != nil {
			return err
		}
		return fn(tx, r, q)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func invalidState(r *models.Round, format string, args ...any) error {
	return fmt.Errorf("%w: round %s is %s: %s", models.ErrInvalidState, r.ID, r.State, fmt.Sprintf(format, args...))
}

// checkExpired rejects play on a round that waited past the timeout. The
// sweeper voids it and returns the stake.
func (e *RoundEngine) checkExpired(r *models.Round, now time.Time) error {
	if r.State != models.StateOpened && r.State != models.StateCommitted {
		return nil
	}
	if e.timeout > 0 && now.Sub(r.OpenedAt) > e.timeout {
		return fmt.Errorf("%w: round %s opened at %s", models.ErrRoundExpired, r.ID, r.OpenedAt.Format(time.RFC3339))
	}
	return nil
}

func (e *RoundEngine) integrity(r *models.Round, reason string) error {
	e.logger.Error("integrity violation", "round", r.ID, "player", r.PlayerID, "game", r.GameType, "nonce", r.Nonce, "reason", reason)
	return fmt.Errorf("%w: round %s: %s", models.ErrIntegrityViolation, r.ID, reason)
}

func (e *RoundEngine) openSeed(r *models.Round) (string, error) {
	seed, err := e.vault.Open(r.ID, r.SealedServerSeed)
	if err != nil {
		return "", e.integrity(r, err.Error())
	}
	return seed, nil
}

// checkInFlight allows several multi-step rounds of different games side by
// side, but a single-shot round never overlaps with anything.
func (e *RoundEngine) checkInFlight(tx store.Tx, id models.Identity, next games.Adapter) error {
	open, err := tx.OpenRounds(id.PlayerID, id.SessionID)
	if err != nil {
		return err
	}
	for _, r := range open {
		a, err := games.Lookup(r.GameType)
		if err != nil {
			return err
		}
		if !a.MultiStep() || !next.MultiStep() || r.GameType == next.Game() {
			return fmt.Errorf("%w: %s round %s is %s", models.ErrRoundInFlight, r.GameType, r.ID, r.State)
		}
	}
	return nil
}

// commit fixes the client seed and computes the complete draw.
func (e *RoundEngine) commit(r *models.Round, serverSeed, clientSeed string, p models.Policy, now time.Time) error {
	if clientSeed == "" {
		var err error
		if clientSeed, err = models.GenerateClientSeed(); err != nil {
			return err
		}
	}
	if len(clientSeed) > maxClientSeed {
		return fmt.Errorf("%w: client seed longer than %d characters", models.ErrInvalidParams, maxClientSeed)
	}
	adapter, err := games.Lookup(r.GameType)
	if err != nil {
		return err
	}
	draw, err := adapter.Draw(fairness.NewStream(serverSeed, clientSeed, r.Nonce), r.Params, p)
	if err != nil {
		return err
	}
	r.ClientSeed = clientSeed
	r.Draw = &draw
	r.State = models.StateCommitted
	r.CommittedAt = &now
	return showTable(r, adapter)
}

func showTable(r *models.Round, adapter games.Adapter) error {
	d, ok := adapter.(games.Dealer)
	if !ok {
		return nil
	}
	hand, err := d.Table(r)
	if err != nil {
		return err
	}
	r.Hand = hand
	return nil
}

// resolveDealt resolves a freshly committed multi-step round that the deal
// alone has finished, such as a blackjack natural on either side.
func (e *RoundEngine) resolveDealt(r *models.Round, p models.Policy, now time.Time, q *eventQueue) error {
	adapter, err := games.Lookup(r.GameType)
	if err != nil {
		return err
	}
	if !adapter.MultiStep() || !adapter.Finished(r, p) {
		return nil
	}
	if err := e.resolve(r, adapter, p, now); err != nil {
		return err
	}
	q.round(models.EventRoundResolved, r, now)
	return nil
}

func (e *RoundEngine) resolve(r *models.Round, adapter games.Adapter, p models.Policy, now time.Time) error {
	if r.ActivatedAt == nil {
		r.ActivatedAt = &now
	}
	out, err := adapter.Resolve(r, p)
	if err != nil {
		return err
	}
	r.Outcome = &out
	r.State = models.StateResolved
	r.ResolvedAt = &now
	return nil
}

// checkIntegrity recomputes the round from the revealed seed and refuses to
// go on if anything stored differs.
func (e *RoundEngine) checkIntegrity(r *models.Round, p models.Policy, serverSeed string) error {
	if !fairness.CheckCommitment(serverSeed, r.ServerSeedHash) {
		return e.integrity(r, "server seed does not match commitment")
	}
	draw, out, err := games.Evaluate(r, p, serverSeed)
	if err != nil {
		return err
	}
	if !games.SameDraw(r.Draw, &draw) {
		return e.integrity(r, "stored draw differs from recomputed draw")
	}
	if r.Outcome != nil && !games.SameOutcome(r.Outcome, &out) {
		return e.integrity(r, "stored outcome differs from recomputed outcome")
	}
	return nil
}

// OpenRound holds the stake and publishes the seed commitment. With a
// client seed the round is committed in the same transaction.
func (e *RoundEngine) OpenRound(ctx context.Context, id models.Identity, req models.OpenRoundRequest) (*models.Round, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	adapter, err := games.Lookup(req.GameType)
	if err != nil {
		return nil, err
	}
	pol, err := e.policies.Current(ctx, req.GameType)
	if err != nil {
		return nil, err
	}
	if !pol.Enabled {
		return nil, fmt.Errorf("%w: %s", models.ErrGameDisabled, req.GameType)
	}
	if err := pol.CheckStake(req.Stake); err != nil {
		return nil, err
	}
	if err := adapter.ValidateParams(req.Params, pol); err != nil {
		return nil, err
	}

	serverSeed, err := fairness.GenerateServerSeed()
	if err != nil {
		return nil, err
	}
	roundID := models.GenerateRoundID()
	sealed, err := e.vault.Seal(roundID, serverSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to seal server seed: %w", err)
	}

	var round *models.Round
	err = e.mutate(ctx, id.PlayerID, func(tx store.Tx, q *eventQueue) error {
		now := e.now()
		granted, err := e.ledger.EnsureAccount(tx, id.PlayerID)
		if err != nil {
			return err
		}
		if granted {
			e.logger.Info("starting balance granted", "player", id.PlayerID)
		}
		if err := e.checkInFlight(tx, id, adapter); err != nil {
			return err
		}
		balance, err := tx.Balance(id.PlayerID)
		if err != nil {
			return err
		}
		if balance < req.Stake {
			return fmt.Errorf("%w: balance %d, stake %d", models.ErrInsufficientBalance, balance, req.Stake)
		}
		nonce, err := tx.NextNonce(id.PlayerID)
		if err != nil {
			return err
		}

		r := &models.Round{
			ID:               roundID,
			GameType:         req.GameType,
			State:            models.StateOpened,
			PlayerID:         id.PlayerID,
			SessionID:        id.SessionID,
			Stake:            req.Stake,
			PolicyVersion:    pol.Version,
			Params:           req.Params,
			ServerSeedHash:   fairness.HashSeed(serverSeed),
			SealedServerSeed: sealed,
			Nonce:            nonce,
			OpenedAt:         now,
		}
		q.round(models.EventRoundOpened, r, now)
		if req.ClientSeed != "" {
			if err := e.commit(r, serverSeed, req.ClientSeed, pol, now); err != nil {
				return err
			}
			q.round(models.EventRoundCommitted, r, now)
			if err := e.resolveDealt(r, pol, now, q); err != nil {
				return err
			}
		}
		if err := tx.InsertRound(r); err != nil {
			return err
		}
		entry, err := e.ledger.Post(tx, id.PlayerID, r.ID, models.EntryHold, -r.Stake)
		if err != nil {
			return err
		}
		q.balance(id.PlayerID, entry.BalanceAfter, now)
		round = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("round opened", "round", round.ID, "player", id.PlayerID, "game", round.GameType, "stake", round.Stake, "nonce", round.Nonce, "state", round.State)
	return round, nil
}

func (e *RoundEngine) Commit(ctx context.Context, id models.Identity, roundID, clientSeed string) (*models.Round, error) {
	return e.onRound(ctx, id, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		if r.State != models.StateOpened {
			return invalidState(r, "only opened rounds can be committed")
		}
		now := e.now()
		if err := e.checkExpired(r, now); err != nil {
			return err
		}
		pol, err := tx.Policy(r.GameType, r.PolicyVersion)
		if err != nil {
			return err
		}
		seed, err := e.openSeed(r)
		if err != nil {
			return err
		}
		if err := e.commit(r, seed, clientSeed, pol, now); err != nil {
			return err
		}
		q.round(models.EventRoundCommitted, r, now)
		if err := e.resolveDealt(r, pol, now, q); err != nil {
			return err
		}
		return tx.UpdateRound(r)
	})
}

// Action applies one player move. The first move activates the round, and a
// move that finishes the game resolves it in the same transaction.
func (e *RoundEngine) Action(ctx context.Context, id models.Identity, roundID string, req models.ActionRequest) (models.StepResult, *models.Round, error) {
	var step models.StepResult
	started := false
	r, err := e.onRound(ctx, id, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		adapter, err := games.Lookup(r.GameType)
		if err != nil {
			return err
		}
		if !adapter.MultiStep() {
			return fmt.Errorf("%w: %s rounds take no actions", models.ErrInvalidParams, r.GameType)
		}
		if r.State != models.StateCommitted && r.State != models.StateActive {
			return invalidState(r, "actions need a committed or active round")
		}
		if req.Type == models.ActionStart && r.State == models.StateActive {
			return invalidState(r, "already started")
		}
		now := e.now()
		if err := e.checkExpired(r, now); err != nil {
			return err
		}
		pol, err := tx.Policy(r.GameType, r.PolicyVersion)
		if err != nil {
			return err
		}

		if r.State == models.StateCommitted {
			r.State = models.StateActive
			r.ActivatedAt = &now
		}
		if adapter.Finished(r, pol) {
			return invalidState(r, "no further actions accepted")
		}
		action := models.Action{Type: req.Type, Cell: req.Cell, Side: req.Side, At: now}
		step, err = adapter.Step(r, pol, action)
		if err != nil {
			return err
		}
		r.Actions = append(r.Actions, action)
		if err := showTable(r, adapter); err != nil {
			return err
		}
		q.round(models.EventRoundAction, r, now)
		q.events[len(q.events)-1].Multiplier = &step.Multiplier
		if step.Finished || adapter.Finished(r, pol) {
			if err := e.resolve(r, adapter, pol, now); err != nil {
				return err
			}
			q.round(models.EventRoundResolved, r, now)
		}
		started = req.Type == models.ActionStart
		return tx.UpdateRound(r)
	})
	if err != nil {
		return models.StepResult{}, nil, err
	}

	if e.flights != nil && r.GameType == models.GameTypeCrash {
		switch {
		case r.State == models.StateResolved:
			e.flights.Land(r.ID)
		case started:
			e.flights.Launch(r)
		}
	}
	e.logger.Debug("round action", "round", r.ID, "action", req.Type, "state", r.State, "multiplier", step.Multiplier)
	return step, r, nil
}

// Resolve evaluates the outcome. An opened round is committed first, with
// the given client seed or a generated one.
func (e *RoundEngine) Resolve(ctx context.Context, id models.Identity, roundID, clientSeed string) (*models.Round, error) {
	r, err := e.onRound(ctx, id, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		switch r.State {
		case models.StateResolved, models.StateSettled:
			return fmt.Errorf("%w: round %s is %s", models.ErrAlreadyResolved, r.ID, r.State)
		case models.StateVoided:
			return invalidState(r, "voided rounds cannot be resolved")
		}
		now := e.now()
		if err := e.checkExpired(r, now); err != nil {
			return err
		}
		pol, err := tx.Policy(r.GameType, r.PolicyVersion)
		if err != nil {
			return err
		}
		adapter, err := games.Lookup(r.GameType)
		if err != nil {
			return err
		}

		if r.State == models.StateOpened {
			seed, err := e.openSeed(r)
			if err != nil {
				return err
			}
			if err := e.commit(r, seed, clientSeed, pol, now); err != nil {
				return err
			}
			q.round(models.EventRoundCommitted, r, now)
		} else if clientSeed != "" && clientSeed != r.ClientSeed {
			return invalidState(r, "client seed already fixed")
		}
		if err := e.resolve(r, adapter, pol, now); err != nil {
			return err
		}
		if err := tx.UpdateRound(r); err != nil {
			return err
		}
		q.round(models.EventRoundResolved, r, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.flights != nil && r.GameType == models.GameTypeCrash {
		e.flights.Land(r.ID)
	}
	e.logger.Info("round resolved", "round", r.ID, "game", r.GameType, "result", r.Outcome.Result, "multiplier", r.Outcome.Multiplier)
	return r, nil
}

// Settle credits the payout of a resolved round. Settling a settled round
// again returns the original result without touching the ledger.
func (e *RoundEngine) Settle(ctx context.Context, id models.Identity, roundID string) (models.GameResult, error) {
	var result models.GameResult
	var replay bool
	_, err := e.onRound(ctx, id, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		if r.State == models.StateSettled {
			replay = true
			return settledResult(tx, r, &result)
		}
		if r.State != models.StateResolved {
			return invalidState(r, "only resolved rounds can be settled")
		}
		pol, err := tx.Policy(r.GameType, r.PolicyVersion)
		if err != nil {
			return err
		}
		seed, err := e.openSeed(r)
		if err != nil {
			return err
		}
		if err := e.checkIntegrity(r, pol, seed); err != nil {
			return err
		}

		payout := models.CalculatePayout(r.Stake, r.Outcome.Multiplier)
		entry, err := e.ledger.Post(tx, r.PlayerID, r.ID, models.EntrySettle, payout)
		if err != nil {
			return err
		}
		now := e.now()
		r.Payout = &payout
		r.ServerSeed = seed
		r.State = models.StateSettled
		r.SettledAt = &now
		if err := tx.UpdateRound(r); err != nil {
			return err
		}
		q.round(models.EventRoundSettled, r, now)
		q.balance(r.PlayerID, entry.BalanceAfter, now)

		result = models.GameResult{
			RoundID:      r.ID,
			Win:          r.Outcome.Win,
			Multiplier:   r.Outcome.Multiplier,
			Payout:       payout,
			BalanceAfter: entry.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		return models.GameResult{}, err
	}
	if !replay {
		e.logger.Info("round settled", "round", roundID, "payout", result.Payout, "balance", result.BalanceAfter)
	}
	return result, nil
}

func settledResult(tx store.Tx, r *models.Round, out *models.GameResult) error {
	entries, err := tx.RoundEntries(r.ID)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if en.Kind != models.EntrySettle {
			continue
		}
		*out = models.GameResult{
			RoundID:      r.ID,
			Win:          r.Outcome != nil && r.Outcome.Win,
			Payout:       en.Delta,
			BalanceAfter: en.BalanceAfter,
		}
		if r.Outcome != nil {
			out.Multiplier = r.Outcome.Multiplier
		}
		return nil
	}
	return fmt.Errorf("%w: settled round %s has no settle entry", models.ErrIntegrityViolation, r.ID)
}

// Void cancels a round and returns the stake. Players may only cancel
// before the draw is fixed; the operator and the sweeper may void any
// unfinished round.
func (e *RoundEngine) Void(ctx context.Context, id models.Identity, roundID, reason string) (*models.Round, error) {
	r, err := e.onRound(ctx, id, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		return e.void(tx, id, r, reason, q)
	})
	if err != nil {
		return nil, err
	}
	if e.flights != nil && r.GameType == models.GameTypeCrash {
		e.flights.Land(r.ID)
	}
	return r, nil
}

func (e *RoundEngine) void(tx store.Tx, id models.Identity, r *models.Round, reason string, q *eventQueue) error {
	switch {
	case r.State == models.StateVoided:
		return nil
	case r.State == models.StateSettled:
		return fmt.Errorf("%w: %w: round %s cannot be voided", models.ErrInvalidState, models.ErrAlreadySettled, r.ID)
	case !id.IsAdmin() && r.State != models.StateOpened:
		return invalidState(r, "players can only cancel before commit")
	}
	if reason == "" {
		reason = VoidReasonPlayer
		if id.IsAdmin() {
			reason = VoidReasonAdmin
		}
	}

	entry, err := e.ledger.Post(tx, r.PlayerID, r.ID, models.EntryRelease, r.Stake)
	if err != nil {
		return err
	}
	if seed, err := e.vault.Open(r.ID, r.SealedServerSeed); err == nil {
		r.ServerSeed = seed
	} else {
		e.logger.Warn("voided round seed not revealed", "round", r.ID, "err", err)
	}
	now := e.now()
	r.State = models.StateVoided
	r.VoidedAt = &now
	r.VoidReason = reason
	if err := tx.UpdateRound(r); err != nil {
		return err
	}
	q.round(models.EventRoundVoided, r, now)
	q.balance(r.PlayerID, entry.BalanceAfter, now)
	e.logger.Info("round voided", "round", r.ID, "player", r.PlayerID, "reason", reason, "by", id.PlayerID)
	return nil
}

// Verify recomputes a finished round from its revealed seeds with the
// policy version it was played under.
func (e *RoundEngine) Verify(ctx context.Context, id models.Identity, roundID string) (*models.VerifyReport, error) {
	r, err := e.loadOwned(ctx, id, roundID)
	if err != nil {
		return nil, err
	}
	if !r.State.Terminal() {
		return nil, fmt.Errorf("%w: round %s is %s", models.ErrNotTerminal, r.ID, r.State)
	}
	pol, err := e.policies.Version(ctx, r.GameType, r.PolicyVersion)
	if err != nil {
		return nil, err
	}

	report := &models.VerifyReport{
		RoundID:        r.ID,
		GameType:       r.GameType,
		State:          r.State,
		ServerSeed:     r.ServerSeed,
		ServerSeedHash: r.ServerSeedHash,
		HashOK:         r.ServerSeed != "" && fairness.CheckCommitment(r.ServerSeed, r.ServerSeedHash),
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		PolicyVersion:  r.PolicyVersion,
		Outcome:        r.Outcome,
	}
	consistent := report.HashOK
	if consistent && r.Draw != nil {
		draw, out, err := games.Evaluate(r, pol, r.ServerSeed)
		if err != nil {
			return nil, err
		}
		consistent = games.SameDraw(r.Draw, &draw)
		if r.Outcome != nil {
			report.RecomputedOutcome = &out
			consistent = consistent && games.SameOutcome(r.Outcome, &out)
		}
	}
	report.Consistent = consistent
	if !consistent {
		return report, e.integrity(r, "verification mismatch")
	}
	return report, nil
}

// SweepExpired voids rounds that were never played within the timeout and
// finishes rounds a player abandoned mid-game. It returns how many rounds
// it closed.
func (e *RoundEngine) SweepExpired(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.timeout)
	var pending, abandoned []*models.Round
	err := e.transact(ctx, func(tx store.Tx) error {
		var err error
		if pending, err = tx.StaleRounds(cutoff, sweepBatch, models.StateOpened, models.StateCommitted); err != nil {
			return err
		}
		abandoned, err = tx.StaleRounds(cutoff, sweepBatch, models.StateActive, models.StateResolved)
		return err
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	closed := 0
	for _, r := range pending {
		voided, err := e.expire(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if voided {
			closed++
		}
	}
	for _, r := range abandoned {
		if err := e.finish(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// expire voids a round only if it is still waiting to be played.
func (e *RoundEngine) expire(ctx context.Context, roundID string) (bool, error) {
	voided := false
	_, err := e.onRound(ctx, models.System, roundID, func(tx store.Tx, r *models.Round, q *eventQueue) error {
		if r.State != models.StateOpened && r.State != models.StateCommitted {
			return nil
		}
		voided = true
		return e.void(tx, models.System, r, VoidReasonExpired, q)
	})
	return voided, err
}

func (e *RoundEngine) finish(ctx context.Context, r *models.Round) error {
	if r.State == models.StateActive {
		if _, err := e.Resolve(ctx, models.System, r.ID, ""); err != nil && !errors.Is(err, models.ErrAlreadyResolved) {
			return err
		}
	}
	_, err := e.Settle(ctx, models.System, r.ID)
	return err
}

// landCrashed resolves a crash round once its flight has ended.
func (e *RoundEngine) landCrashed(ctx context.Context, r *models.Round) {
	if _, err := e.Resolve(ctx, models.System, r.ID, ""); err != nil && !errors.Is(err, models.ErrAlreadyResolved) {
		e.logger.Warn("failed to resolve crashed flight", "round", r.ID, "err", err)
	}
}

func (e *RoundEngine) Round(ctx context.Context, id models.Identity, roundID string) (*models.Round, error) {
	return e.loadOwned(ctx, id, roundID)
}

// Rounds lists the player's rounds, newest first.
func (e *RoundEngine) Rounds(ctx context.Context, playerID string, limit int) ([]*models.Round, error) {
	var out []*models.Round
	err := e.transact(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.PlayerRounds(playerID, limit)
		return err
	})
	return out, err
}

func (e *RoundEngine) Entries(ctx context.Context, playerID string, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := e.transact(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Entries(playerID, limit)
		return err
	})
	return out, err
}

// Balance reports the spendable balance and the stake held by unfinished
// rounds. A first look at an account opens it with the starting balance.
func (e *RoundEngine) Balance(ctx context.Context, playerID string) (models.BalanceResponse, error) {
	resp := models.BalanceResponse{PlayerID: playerID}
	err := e.mutate(ctx, playerID, func(tx store.Tx, q *eventQueue) error {
		if _, err := e.ledger.EnsureAccount(tx, playerID); err != nil {
			return err
		}
		var err error
		if resp.Balance, err = tx.Balance(playerID); err != nil {
			return err
		}
		resp.Held, err = e.ledger.Held(tx, playerID)
		return err
	})
	if err != nil {
		return models.BalanceResponse{}, err
	}
	resp.Formatted = models.FormatMinor(resp.Balance)
	return resp, nil
}

// Credit grants funds to a player.
func (e *RoundEngine) Credit(ctx context.Context, playerID string, amount int64) (models.LedgerEntry, error) {
	if amount <= 0 {
		return models.LedgerEntry{}, fmt.Errorf("%w: credit must be positive", models.ErrInvalidParams)
	}
	var entry models.LedgerEntry
	err := e.mutate(ctx, playerID, func(tx store.Tx, q *eventQueue) error {
		if _, err := e.ledger.EnsureAccount(tx, playerID); err != nil {
			return err
		}
		var err error
		entry, err = e.ledger.Post(tx, playerID, "", models.EntryGrant, amount)
		if err != nil {
			return err
		}
		q.balance(playerID, entry.BalanceAfter, entry.CreatedAt)
		return nil
	})
	if err != nil {
		return models.LedgerEntry{}, err
	}
	e.logger.Info("player credited", "player", playerID, "amount", amount, "balance", entry.BalanceAfter)
	return entry, nil
}
