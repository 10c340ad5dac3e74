package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	instrument  TEXT        NOT NULL,
	side        SMALLINT    NOT NULL,
	kind        SMALLINT    NOT NULL,
	quantity    BIGINT      NOT NULL CHECK (quantity > 0),
	limit_price NUMERIC,
	stop_price  NUMERIC,
	all_or_none BOOLEAN     NOT NULL DEFAULT FALSE,
	owner       TEXT        NOT NULL,
	arrival_seq BIGINT      NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_book_idx ON orders (instrument, side, arrival_seq);
CREATE INDEX IF NOT EXISTS orders_owner_idx ON orders (owner, arrival_seq);

CREATE TABLE IF NOT EXISTS accounts (
	owner       TEXT PRIMARY KEY,
	balance     NUMERIC     NOT NULL,
	credited    NUMERIC     NOT NULL,
	debited     NUMERIC     NOT NULL,
	adjustments BIGINT      NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);`

const orderColumns = `id, instrument, side, kind, quantity, limit_price, stop_price, all_or_none, owner, arrival_seq, created_at`

// PostgresStore is an order repository and account store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies connectivity and creates the tables
// if they are missing.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Register shopspring decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func fromNullable(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func (s *PostgresStore) Save(ctx context.Context, o order.Order) (order.Order, error) {
	o, err := prepare(o)
	if err != nil {
		return order.Order{}, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			quantity = EXCLUDED.quantity,
			limit_price = EXCLUDED.limit_price,
			stop_price = EXCLUDED.stop_price,
			all_or_none = EXCLUDED.all_or_none`,
		o.ID, o.Instrument, int16(o.Side), int16(o.Kind), o.Quantity,
		nullable(o.LimitPrice), nullable(o.StopPrice), o.AllOrNone,
		o.Owner, int64(o.ArrivalSeq), o.CreatedAt,
	)
	if err != nil {
		return order.Order{}, fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return o.Clone(), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o               order.Order
		side, kind      int16
		seq             int64
		limitPx, stopPx decimal.NullDecimal
		createdAt       time.Time
	)
	err := row.Scan(&o.ID, &o.Instrument, &side, &kind, &o.Quantity, &limitPx, &stopPx,
		&o.AllOrNone, &o.Owner, &seq, &createdAt)
	if err != nil {
		return order.Order{}, err
	}
	o.Side = order.Side(side)
	o.Kind = order.Kind(kind)
	o.LimitPrice = fromNullable(limitPx)
	o.StopPrice = fromNullable(stopPx)
	o.ArrivalSeq = uint64(seq)
	o.CreatedAt = createdAt.UTC()
	return o, nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("find order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]order.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY arrival_seq, id`)
}

func (s *PostgresStore) FindByInstrumentAndSide(ctx context.Context, instrument string, side order.Side) ([]order.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE instrument = $1 AND side = $2 ORDER BY arrival_seq, id`, instrument, int16(side))
}

func (s *PostgresStore) FindByOwner(ctx context.Context, owner string) ([]order.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE owner = $1 ORDER BY arrival_seq, id`, owner)
}

var _ ledger.Store = (*PostgresStore)(nil)

func (s *PostgresStore) SaveAccount(ctx context.Context, acc ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (owner, balance, credited, debited, adjustments, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner) DO UPDATE SET
			balance = EXCLUDED.balance,
			credited = EXCLUDED.credited,
			debited = EXCLUDED.debited,
			adjustments = EXCLUDED.adjustments,
			updated_at = EXCLUDED.updated_at`,
		acc.Owner, acc.Balance, acc.Credited, acc.Debited, acc.Adjustments, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acc.Owner, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(&acc.Owner, &acc.Balance, &acc.Credited, &acc.Debited, &acc.Adjustments, &acc.UpdatedAt)
	return acc, err
}

func (s *PostgresStore) LoadAccount(ctx context.Context, owner string) (ledger.Account, bool, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx, `
		SELECT owner, balance, credited, debited, adjustments, updated_at
		FROM accounts WHERE owner = $1`, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("load account %s: %w", owner, err)
	}
	return acc, true, nil
}

func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, balance, credited, debited, adjustments, updated_at
		FROM accounts ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}
