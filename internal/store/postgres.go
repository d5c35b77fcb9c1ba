package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// u64 quantities and asset amounts are stored as NUMERIC; BIGINT cannot hold
// the full unsigned range.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the positions and settlements tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const positionColumns = `owner, idx, pool, authority, status, ptype, direction, decimals,
		feed_a, feed_b, leverage::TEXT, last_price::TEXT, last_conf::TEXT, margin::TEXT,
		margin_rate_numerator::TEXT, overnight_fee_numerator::TEXT, liquidation::TEXT,
		created_at, slot::TEXT, amount::TEXT, updated_at`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO positions (owner, idx, pool, authority, status, ptype, direction, decimals,
		        feed_a, feed_b, leverage, last_price, last_conf, margin,
		        margin_rate_numerator, overnight_fee_numerator, liquidation,
		        created_at, slot, amount, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		         $15::NUMERIC, $16::NUMERIC, $17::NUMERIC,
		         $18, $19::NUMERIC, $20::NUMERIC, $21)
		 ON CONFLICT (owner, idx) DO NOTHING`,
		p.Owner.String(), int64(p.Index), p.Pool.String(), p.Authority.String(),
		string(p.Status), string(p.PType), string(p.Direction), int16(p.Decimals),
		p.FeedA, p.FeedB,
		u64(p.Leverage), u64(p.LastPrice), u64(p.LastConf), u64(p.Margin),
		u64(p.MarginRateNumerator), u64(p.OvernightFeeNumerator), u64(p.Liquidation),
		p.CreatedAt, u64(p.Slot), p.Amount.String(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create position %s: %w", p.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPositionExists, p.Key())
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 AND idx = $2`,
		key.Owner.String(), int64(key.Index))
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

// LoadPosition is GetPosition; Postgres is the source of truth.
func (s *PostgresStore) LoadPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.GetPosition(ctx, key)
}

func (s *PostgresStore) ListPositions(ctx context.Context, owner model.Pubkey) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY idx`,
		owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdateMargin(ctx context.Context, key model.PositionKey, from, margin, liquidation uint64, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET margin = $4::NUMERIC, liquidation = $5::NUMERIC, updated_at = $6
		 WHERE owner = $1 AND idx = $2 AND status = 'open' AND margin = $3::NUMERIC`,
		key.Owner.String(), int64(key.Index), u64(from), u64(margin), u64(liquidation), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("update margin %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return missedWrite(ctx, s.pool, key, from)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, key model.PositionKey, margin uint64, st *model.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("close position %s: %w", key, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx,
		`DELETE FROM positions
		 WHERE owner = $1 AND idx = $2 AND status = 'open' AND margin = $3::NUMERIC`,
		key.Owner.String(), int64(key.Index), u64(margin))
	if err != nil {
		return fmt.Errorf("close position %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return missedWrite(ctx, tx, key, margin)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO settlements (id, owner, idx, pool, direction, outcome,
		        entry_price, exit_price, overnight_fee, amount,
		        attested_price, attested_time, attested_slot, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12, $13::NUMERIC, $14)`,
		st.ID, st.Owner.String(), int64(st.Index), st.Pool.String(), string(st.Direction), st.Outcome,
		u64(st.EntryPrice), u64(st.ExitPrice), u64(st.OvernightFee), u64(st.Amount),
		u64(st.AttestedPrice), st.AttestedTime, u64(st.AttestedSlot), st.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", st.ID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListSettlements(ctx context.Context, owner model.Pubkey) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner, idx, pool, direction, outcome,
		        entry_price::TEXT, exit_price::TEXT, overnight_fee::TEXT, amount::TEXT,
		        attested_price::TEXT, attested_time, attested_slot::TEXT, closed_at
		 FROM settlements WHERE owner = $1 ORDER BY closed_at`, owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		var st model.Settlement
		var ownerS, poolS, direction string
		var idx int64
		var entry, exit, fee, amount, attPrice, attSlot string
		if err := rows.Scan(&st.ID, &ownerS, &idx, &poolS, &direction, &st.Outcome,
			&entry, &exit, &fee, &amount,
			&attPrice, &st.AttestedTime, &attSlot, &st.ClosedAt); err != nil {
			return nil, err
		}

		var d decoder
		st.Owner = d.pubkey(ownerS)
		st.Pool = d.pubkey(poolS)
		st.Index = uint32(idx)
		st.Direction = model.Direction(direction)
		st.EntryPrice = d.u64(entry)
		st.ExitPrice = d.u64(exit)
		st.OvernightFee = d.u64(fee)
		st.Amount = d.u64(amount)
		st.AttestedPrice = d.u64(attPrice)
		st.AttestedSlot = d.u64(attSlot)
		if d.err != nil {
			return nil, fmt.Errorf("decode settlement %s: %w", st.ID, d.err)
		}
		settlements = append(settlements, st)
	}
	return settlements, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missedWrite explains why a write conditioned on an open position with the
// given margin matched no row.
func missedWrite(ctx context.Context, q querier, key model.PositionKey, margin uint64) error {
	var status, stored string
	err := q.QueryRow(ctx,
		`SELECT status, margin::TEXT FROM positions WHERE owner = $1 AND idx = $2`,
		key.Owner.String(), int64(key.Index)).Scan(&status, &stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", model.ErrPositionNotFound, key)
	case err != nil:
		return fmt.Errorf("reload position %s: %w", key, err)
	case status != string(model.StatusOpen):
		return fmt.Errorf("%w: %s", model.ErrPositionClosed, key)
	}
	return fmt.Errorf("%w: %s margin is %s, expected %d", model.ErrPositionConflict, key, stored, margin)
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var owner, pool, authority, status, ptype, direction string
	var idx int64
	var decimals int16
	var leverage, lastPrice, lastConf, margin, marginRate, feeRate, liquidation, slot, amount string

	if err := row.Scan(&owner, &idx, &pool, &authority, &status, &ptype, &direction, &decimals,
		&p.FeedA, &p.FeedB, &leverage, &lastPrice, &lastConf, &margin,
		&marginRate, &feeRate, &liquidation,
		&p.CreatedAt, &slot, &amount, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var d decoder
	p.Owner = d.pubkey(owner)
	p.Pool = d.pubkey(pool)
	p.Authority = d.pubkey(authority)
	p.Index = uint32(idx)
	p.Status = model.Status(status)
	p.PType = model.PositionType(ptype)
	p.Direction = model.Direction(direction)
	p.Decimals = uint8(decimals)
	p.Leverage = d.u64(leverage)
	p.LastPrice = d.u64(lastPrice)
	p.LastConf = d.u64(lastConf)
	p.Margin = d.u64(margin)
	p.MarginRateNumerator = d.u64(marginRate)
	p.OvernightFeeNumerator = d.u64(feeRate)
	p.Liquidation = d.u64(liquidation)
	p.Slot = d.u64(slot)
	p.Amount = d.decimal(amount)
	if d.err != nil {
		return nil, fmt.Errorf("decode position %s:%d: %w", owner, idx, d.err)
	}
	return &p, nil
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// decoder parses text columns, keeping the first error.
type decoder struct{ err error }

func (d *decoder) u64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) pubkey(s string) model.Pubkey {
	k, err := model.ParsePubkey(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return k
}

func (d *decoder) decimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}
