package ledger

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rawblock/crash-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable ledger. Balance mutations are conditional
// single-row updates; the amount >= delta predicate on debits is what
// makes concurrent debits safe without application-level locking.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[Ledger] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Ledger] Schema initialized")
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, id, name string, initial map[models.Asset]decimal.Decimal) (*models.Player, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create player: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO players (id, name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, id, name).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Validationf("player id or name already taken")
	}
	if err != nil {
		// A UNIQUE violation on name also lands here.
		return nil, models.Validationf("player id or name already taken")
	}

	balances := make(map[models.Asset]decimal.Decimal, len(models.SupportedAssets))
	for _, asset := range models.SupportedAssets {
		amount := decimal.Zero
		if v, ok := initial[asset]; ok {
			amount = v
		}
		if amount.Sign() < 0 {
			return nil, models.Validationf("initial balance for %s must not be negative", asset)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_balances (player_id, asset, amount) VALUES ($1, $2, $3)
		`, id, string(asset), amount.String()); err != nil {
			return nil, fmt.Errorf("seed balance %s: %w", asset, err)
		}
		balances[asset] = amount
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create player: %w", err)
	}
	return &models.Player{
		ID:        id,
		Name:      name,
		Balances:  balances,
		Active:    true,
		CreatedAt: createdAt,
	}, nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	p := models.Player{ID: id, Balances: make(map[models.Asset]decimal.Decimal)}
	err := s.pool.QueryRow(ctx, `
		SELECT name, wagers_placed, wins, losses, active, created_at
		FROM players WHERE id = $1
	`, id).Scan(&p.Name, &p.WagersPlaced, &p.Wins, &p.Losses, &p.Active, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Fundsf("unknown player %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load player: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset, amount::text FROM player_balances WHERE player_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", amount, err)
		}
		p.Balances[models.Asset(asset)] = value
	}
	return &p, rows.Err()
}

func (s *PostgresStore) Credit(ctx context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, models.Validationf("credit amount must be positive")
	}
	var newBalance string
	err := s.pool.QueryRow(ctx, `
		UPDATE player_balances
		SET amount = amount + $3
		WHERE player_id = $1 AND asset = $2
		RETURNING amount::text
	`, id, string(asset), amount.String()).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, models.Fundsf("unknown player %q", id)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit: %w", err)
	}
	return decimal.NewFromString(newBalance)
}

func (s *PostgresStore) Debit(ctx context.Context, id string, asset models.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, models.Validationf("debit amount must be positive")
	}
	// The amount >= $3 predicate makes the debit atomic: either the row
	// still covers the stake at commit time or nothing changes.
	var newBalance string
	err := s.pool.QueryRow(ctx, `
		UPDATE player_balances
		SET amount = amount - $3
		WHERE player_id = $1 AND asset = $2 AND amount >= $3
		RETURNING amount::text
	`, id, string(asset), amount.String()).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish unknown player from insufficient funds.
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM players WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return decimal.Zero, fmt.Errorf("debit existence check: %w", qerr)
		}
		if !exists {
			return decimal.Zero, models.Fundsf("unknown player %q", id)
		}
		return decimal.Zero, models.Fundsf("insufficient %s balance", asset)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit: %w", err)
	}
	return decimal.NewFromString(newBalance)
}

func (s *PostgresStore) Transfer(ctx context.Context, src, dst string, asset models.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return models.Validationf("transfer amount must be positive")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE player_balances SET amount = amount - $3
		WHERE player_id = $1 AND asset = $2 AND amount >= $3
	`, src, string(asset), amount.String())
	if err != nil {
		return fmt.Errorf("transfer debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish unknown player from insufficient funds, as Debit does.
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM players WHERE id = $1)`, src).Scan(&exists); qerr != nil {
			return fmt.Errorf("transfer existence check: %w", qerr)
		}
		if !exists {
			return models.Fundsf("unknown player %q", src)
		}
		return models.Fundsf("insufficient %s balance", asset)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE player_balances SET amount = amount + $3
		WHERE player_id = $1 AND asset = $2
	`, dst, string(asset), amount.String())
	if err != nil {
		return fmt.Errorf("transfer credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Fundsf("unknown player %q", dst)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) BumpCounters(ctx context.Context, id string, wagers, wins, losses int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE players
		SET wagers_placed = wagers_placed + $2, wins = wins + $3, losses = losses + $4
		WHERE id = $1
	`, id, wagers, wins, losses)
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordTransaction(ctx context.Context, record models.Transaction) error {
	var multiplier *string
	if record.Multiplier != nil {
		v := record.Multiplier.String()
		multiplier = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, player_id, round_id, kind, amount_usd, amount_asset, asset, price, multiplier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID, record.PlayerID, record.RoundID, string(record.Kind),
		record.AmountUSD.String(), record.AmountAsset.String(), string(record.Asset),
		record.Price.String(), multiplier, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transactions(ctx context.Context, playerID string, filter TransactionFilter, page, pageSize int) ([]models.Transaction, int, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	where := `WHERE player_id = $1`
	args := []any{playerID}
	if filter.Kind != "" {
		where += ` AND kind = $2`
		args = append(args, string(filter.Kind))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, player_id, round_id, kind, amount_usd::text, amount_asset::text, asset, price::text, multiplier::text, created_at
		FROM transactions %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d
	`, where, pageSize, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Transaction, 0, pageSize)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, record)
	}
	return out, total, rows.Err()
}

func scanTransaction(rows pgx.Rows) (models.Transaction, error) {
	var record models.Transaction
	var kind, asset, amountUSD, amountAsset, price string
	var multiplier *string
	if err := rows.Scan(&record.ID, &record.PlayerID, &record.RoundID, &kind,
		&amountUSD, &amountAsset, &asset, &price, &multiplier, &record.CreatedAt); err != nil {
		return record, fmt.Errorf("scan transaction: %w", err)
	}
	record.Kind = models.TransactionKind(kind)
	record.Asset = models.Asset(asset)
	var err error
	if record.AmountUSD, err = decimal.NewFromString(amountUSD); err != nil {
		return record, fmt.Errorf("parse amount_usd: %w", err)
	}
	if record.AmountAsset, err = decimal.NewFromString(amountAsset); err != nil {
		return record, fmt.Errorf("parse amount_asset: %w", err)
	}
	if record.Price, err = decimal.NewFromString(price); err != nil {
		return record, fmt.Errorf("parse price: %w", err)
	}
	if multiplier != nil {
		value, err := decimal.NewFromString(*multiplier)
		if err != nil {
			return record, fmt.Errorf("parse multiplier: %w", err)
		}
		record.Multiplier = &value
	}
	return record, nil
}

func (s *PostgresStore) SaveRound(ctx context.Context, round *models.Round) error {
	wagers, err := json.Marshal(round.Wagers)
	if err != nil {
		return fmt.Errorf("marshal wagers: %w", err)
	}
	var endTime *time.Time
	if !round.EndTime.IsZero() {
		endTime = &round.EndTime
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rounds (id, number, seed, hash, crash_point, start_time, end_time, state, peak_multiplier, wagers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			state = EXCLUDED.state,
			peak_multiplier = EXCLUDED.peak_multiplier,
			wagers = EXCLUDED.wagers
	`, round.ID, round.Number, round.Seed, round.Hash, round.CrashPoint.String(),
		round.StartTime, endTime, string(round.State), round.PeakMultiplier.String(), wagers)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	round := models.Round{ID: id}
	var crashPoint, peak string
	var endTime *time.Time
	var state string
	var wagers []byte
	err := s.pool.QueryRow(ctx, `
		SELECT number, seed, hash, crash_point::text, start_time, end_time, state, peak_multiplier::text, wagers
		FROM rounds WHERE id = $1
	`, id).Scan(&round.Number, &round.Seed, &round.Hash, &crashPoint,
		&round.StartTime, &endTime, &state, &peak, &wagers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Validationf("unknown round %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}
	if endTime != nil {
		round.EndTime = *endTime
	}
	round.State = models.RoundState(state)
	if round.CrashPoint, err = decimal.NewFromString(crashPoint); err != nil {
		return nil, fmt.Errorf("parse crash_point: %w", err)
	}
	if round.PeakMultiplier, err = decimal.NewFromString(peak); err != nil {
		return nil, fmt.Errorf("parse peak_multiplier: %w", err)
	}
	if err := json.Unmarshal(wagers, &round.Wagers); err != nil {
		return nil, fmt.Errorf("unmarshal wagers: %w", err)
	}
	return &round, nil
}

func (s *PostgresStore) Rounds(ctx context.Context, page, pageSize int) ([]models.Round, int, error) {
	page, pageSize = normalizePage(page, pageSize)
	offset := (page - 1) * pageSize

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rounds WHERE state = 'settled'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rounds: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM rounds WHERE state = 'settled'
		ORDER BY number DESC
		LIMIT $1 OFFSET $2
	`, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, pageSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("scan round id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	out := make([]models.Round, 0, len(ids))
	for _, id := range ids {
		round, err := s.GetRound(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *round)
	}
	return out, total, nil
}

func (s *PostgresStore) UnreconciledCashouts(ctx context.Context) ([]CashoutRepair, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, w.value
		FROM rounds r, jsonb_array_elements(r.wagers) AS w
		WHERE (w.value->>'cashedOut')::boolean
		  AND NOT EXISTS (
			SELECT 1 FROM transactions t
			WHERE t.round_id = r.id
			  AND t.player_id = w.value->>'playerId'
			  AND t.kind = 'cashout'
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("scan for unreconciled cashouts: %w", err)
	}
	defer rows.Close()

	var repairs []CashoutRepair
	for rows.Next() {
		var roundID string
		var raw []byte
		if err := rows.Scan(&roundID, &raw); err != nil {
			return nil, fmt.Errorf("scan repair row: %w", err)
		}
		var wager models.Wager
		if err := json.Unmarshal(raw, &wager); err != nil {
			return nil, fmt.Errorf("unmarshal repair wager: %w", err)
		}
		repairs = append(repairs, CashoutRepair{RoundID: roundID, Wager: wager})
	}
	return repairs, rows.Err()
}
