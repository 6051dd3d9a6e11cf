package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"provably-fair-backend/internal/models"
)

// SQLiteStore keeps rounds as JSON documents next to the columns the engine
// queries by. Ledger rows are append-only.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; this also keeps a :memory: database alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			game_type TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			opened_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_player ON rounds(player_id, opened_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_state ON rounds(state, opened_at)`,
		`CREATE TABLE IF NOT EXISTS ledger (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			player_id TEXT NOT NULL,
			round_id TEXT NOT NULL DEFAULT '',
			delta INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_player ON ledger(player_id, seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_round ON ledger(round_id)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			player_id TEXT PRIMARY KEY,
			nonce INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			game TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (game, version)
		)`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Tx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return classify(err)
	}
	return classify(tx.Commit())
}

// classify marks lock contention as ErrBusy so callers can retry it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) scanRounds(query string, args ...any) ([]*models.Round, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Round
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r models.Round
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("corrupt round document: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *sqliteTx) GetRound(id string) (*models.Round, error) {
	rounds, err := t.scanRounds(`SELECT data FROM rounds WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, fmt.Errorf("%w: round %s", models.ErrNotFound, id)
	}
	return rounds[0], nil
}

func (t *sqliteTx) InsertRound(r *models.Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO rounds (id, player_id, session_id, game_type, state, version, opened_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PlayerID, r.SessionID, string(r.GameType), string(r.State), r.Version, r.OpenedAt.UnixNano(), string(data),
	)
	return err
}

func (t *sqliteTx) UpdateRound(r *models.Round) error {
	expected := r.Version
	r.Version++
	data, err := json.Marshal(r)
	if err != nil {
		r.Version = expected
		return err
	}
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE rounds SET state = ?, version = ?, data = ? WHERE id = ? AND version = ?`,
		string(r.State), r.Version, string(data), r.ID, expected,
	)
	if err != nil {
		r.Version = expected
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		r.Version = expected
		return err
	}
	if n == 0 {
		r.Version = expected
		return fmt.Errorf("%w: round %s no longer at version %d", ErrConflict, r.ID, expected)
	}
	return nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (t *sqliteTx) PlayerRounds(playerID string, limit int) ([]*models.Round, error) {
	return t.scanRounds(
		`SELECT data FROM rounds WHERE player_id = ? ORDER BY opened_at DESC, rowid DESC LIMIT ?`,
		playerID, sqlLimit(limit),
	)
}

func (t *sqliteTx) OpenRounds(playerID, sessionID string) ([]*models.Round, error) {
	return t.scanRounds(
		`SELECT data FROM rounds WHERE player_id = ? AND session_id = ? AND state NOT IN (?, ?) ORDER BY opened_at`,
		playerID, sessionID, string(models.StateSettled), string(models.StateVoided),
	)
}

func (t *sqliteTx) StaleRounds(before time.Time, limit int, states ...models.RoundState) ([]*models.Round, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(states)+2)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, before.UnixNano(), sqlLimit(limit))
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	return t.scanRounds(
		`SELECT data FROM rounds WHERE state IN (`+placeholders+`) AND opened_at < ? ORDER BY opened_at LIMIT ?`,
		args...,
	)
}

func (t *sqliteTx) NextNonce(playerID string) (uint64, error) {
	var n uint64
	err := t.tx.QueryRowContext(t.ctx, `SELECT nonce FROM nonces WHERE player_id = ?`, playerID).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	n++
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO nonces (player_id, nonce) VALUES (?, ?)
		ON CONFLICT(player_id) DO UPDATE SET nonce = excluded.nonce`,
		playerID, n,
	)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *sqliteTx) AppendEntry(e models.LedgerEntry) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO ledger (id, player_id, round_id, delta, balance_after, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlayerID, e.RoundID, e.Delta, e.BalanceAfter, string(e.Kind), e.CreatedAt.UnixNano(),
	)
	return err
}

func (t *sqliteTx) Balance(playerID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger WHERE player_id = ?`, playerID,
	).Scan(&sum)
	return sum, err
}

func (t *sqliteTx) scanEntries(query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e       models.LedgerEntry
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.RoundID, &e.Delta, &e.BalanceAfter, &kind, &created); err != nil {
			return nil, err
		}
		e.Kind = models.EntryKind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqliteTx) Entries(playerID string, limit int) ([]models.LedgerEntry, error) {
	return t.scanEntries(
		`SELECT id, player_id, round_id, delta, balance_after, kind, created_at
		FROM ledger WHERE player_id = ? ORDER BY seq DESC LIMIT ?`,
		playerID, sqlLimit(limit),
	)
}

func (t *sqliteTx) RoundEntries(roundID string) ([]models.LedgerEntry, error) {
	return t.scanEntries(
		`SELECT id, player_id, round_id, delta, balance_after, kind, created_at
		FROM ledger WHERE round_id = ? ORDER BY seq`,
		roundID,
	)
}

func (t *sqliteTx) scanPolicy(query string, args ...any) (models.Policy, error) {
	var data string
	if err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&data); err != nil {
		return models.Policy{}, err
	}
	var p models.Policy
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return models.Policy{}, fmt.Errorf("corrupt policy document: %w", err)
	}
	return p, nil
}

func (t *sqliteTx) Policy(game models.GameType, version int) (models.Policy, error) {
	p, err := t.scanPolicy(`SELECT data FROM policies WHERE game = ? AND version = ?`, string(game), version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: policy %s v%d", models.ErrNotFound, game, version)
	}
	return p, err
}

func (t *sqliteTx) LatestPolicy(game models.GameType) (models.Policy, error) {
	p, err := t.scanPolicy(`SELECT data FROM policies WHERE game = ? ORDER BY version DESC LIMIT 1`, string(game))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: no policy for %s", models.ErrNotFound, game)
	}
	return p, err
}

func (t *sqliteTx) PutPolicy(p models.Policy) error {
	if _, err := t.Policy(p.Game, p.Version); err == nil {
		return fmt.Errorf("%w: policy %s v%d already published", ErrConflict, p.Game, p.Version)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO policies (game, version, data) VALUES (?, ?, ?)`,
		string(p.Game), p.Version, string(data),
	)
	return err
}
