package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vertexfi/exchange/pkg/money"
)

// Postgres is the lib/pq-backed Store implementation.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool to dsn and ensures the schema
// exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			address  TEXT NOT NULL,
			asset    TEXT NOT NULL,
			amount   NUMERIC(36,18) NOT NULL DEFAULT 0,
			reserved NUMERIC(36,18) NOT NULL DEFAULT 0,
			PRIMARY KEY (address, asset)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balances_address ON balances (address)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			id           UUID PRIMARY KEY,
			from_address TEXT NOT NULL,
			to_address   TEXT NOT NULL,
			amount       NUMERIC(36,18) NOT NULL,
			asset        TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_from ON settlements (from_address)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_to ON settlements (to_address)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id               UUID PRIMARY KEY,
			address          TEXT NOT NULL,
			asset            TEXT NOT NULL,
			side             TEXT NOT NULL,
			type             TEXT NOT NULL,
			amount           NUMERIC(36,18) NOT NULL,
			remaining_amount NUMERIC(36,18) NOT NULL,
			price            NUMERIC(36,18) NOT NULL DEFAULT 0,
			reserved         NUMERIC(36,18) NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_asset_side_status ON orders (asset, side, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_address ON orders (address)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_price ON orders (price)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id             UUID PRIMARY KEY,
			buy_order_id   UUID NOT NULL,
			sell_order_id  UUID NOT NULL,
			asset          TEXT NOT NULL,
			amount         NUMERIC(36,18) NOT NULL,
			price          NUMERIC(36,18) NOT NULL,
			buyer_address  TEXT NOT NULL,
			seller_address TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_asset ON trades (asset)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades (buyer_address)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades (seller_address)`,
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE address = $1 AND asset = $2`,
		address, asset,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("store: get balance: %w", err)
	}
	return amount, nil
}

func (p *Postgres) ListBalances(ctx context.Context, address string) ([]Balance, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT address, asset, amount, reserved FROM balances WHERE address = $1 ORDER BY asset`,
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Address, &b.Asset, &b.Amount, &b.Reserved); err != nil {
			return nil, fmt.Errorf("store: scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// upsertZeroBalance ensures a (address, asset) row exists so a
// subsequent FOR UPDATE has something to lock.
func upsertZeroBalance(ctx context.Context, tx *sql.Tx, address, asset string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (address, asset, amount, reserved) VALUES ($1, $2, 0, 0)
		 ON CONFLICT (address, asset) DO NOTHING`,
		address, asset,
	)
	return err
}

func (p *Postgres) Reserve(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin reserve: %w", err)
	}
	defer tx.Rollback()

	if err := upsertZeroBalance(ctx, tx, address, asset); err != nil {
		return fmt.Errorf("store: seed balance row: %w", err)
	}

	var current, reserved decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT amount, reserved FROM balances WHERE address = $1 AND asset = $2 FOR UPDATE`,
		address, asset,
	).Scan(&current, &reserved)
	if err != nil {
		return fmt.Errorf("store: lock balance: %w", err)
	}

	if current.Sub(reserved).LessThan(amount) {
		return ErrInsufficientAvailable
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE balances SET reserved = reserved + $1 WHERE address = $2 AND asset = $3`,
		amount, address, asset,
	)
	if err != nil {
		return fmt.Errorf("store: reserve: %w", err)
	}

	return tx.Commit()
}

func (p *Postgres) Release(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE balances SET reserved = GREATEST(reserved - $1, 0) WHERE address = $2 AND asset = $3`,
		amount, address, asset,
	)
	if err != nil {
		return fmt.Errorf("store: release: %w", err)
	}
	return nil
}

func (p *Postgres) Credit(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertZeroBalance(ctx, tx, address, asset); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount + $1 WHERE address = $2 AND asset = $3`,
		amount, address, asset,
	); err != nil {
		return fmt.Errorf("store: credit: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) Debit(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertZeroBalance(ctx, tx, address, asset); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount - $1 WHERE address = $2 AND asset = $3`,
		amount, address, asset,
	); err != nil {
		return fmt.Errorf("store: debit: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) InsertSettlement(ctx context.Context, s Settlement) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO settlements (id, from_address, to_address, amount, asset, status, created_at, confirmed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.From, s.To, s.Amount, s.Asset, s.Status, s.CreatedAt, s.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert settlement: %w", err)
	}
	return nil
}

func scanSettlement(row interface{ Scan(...interface{}) error }) (Settlement, error) {
	var s Settlement
	err := row.Scan(&s.ID, &s.From, &s.To, &s.Amount, &s.Asset, &s.Status, &s.CreatedAt, &s.ConfirmedAt)
	return s, err
}

func (p *Postgres) GetSettlement(ctx context.Context, id uuid.UUID) (Settlement, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, from_address, to_address, amount, asset, status, created_at, confirmed_at
		 FROM settlements WHERE id = $1`, id)
	s, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return Settlement{}, ErrNotFound
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("store: get settlement: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListSettlements(ctx context.Context) ([]Settlement, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, from_address, to_address, amount, asset, status, created_at, confirmed_at
		 FROM settlements ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list settlements: %w", err)
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan settlement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSettlementsByAddress(ctx context.Context, address string) ([]SettlementView, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, from_address, to_address, amount, asset, status, created_at, confirmed_at,
		        CASE WHEN from_address = $1 THEN 'sender' ELSE 'receiver' END AS role
		 FROM settlements WHERE from_address = $1 OR to_address = $1
		 ORDER BY created_at DESC`, address)
	if err != nil {
		return nil, fmt.Errorf("store: list settlements by address: %w", err)
	}
	defer rows.Close()

	var out []SettlementView
	for rows.Next() {
		var v SettlementView
		err := rows.Scan(&v.ID, &v.From, &v.To, &v.Amount, &v.Asset, &v.Status, &v.CreatedAt, &v.ConfirmedAt, &v.Role)
		if err != nil {
			return nil, fmt.Errorf("store: scan settlement view: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, confirmedAt *time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE settlements SET status = $1, confirmed_at = $2
		 WHERE id = $3 AND status = $4`,
		status, confirmedAt, id, SettlementPending,
	)
	if err != nil {
		return false, fmt.Errorf("store: update settlement status: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (p *Postgres) ApplySettlementTransfer(ctx context.Context, id uuid.UUID, from, to, asset string, amount decimal.Decimal, confirmedAt time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin settlement transfer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE settlements SET status = $1, confirmed_at = $2 WHERE id = $3 AND status = $4`,
		SettlementConfirmed, confirmedAt, id, SettlementPending,
	)
	if err != nil {
		return false, fmt.Errorf("store: mark settlement confirmed: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	if err := upsertZeroBalance(ctx, tx, from, asset); err != nil {
		return false, err
	}
	if err := upsertZeroBalance(ctx, tx, to, asset); err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount - $1 WHERE address = $2 AND asset = $3`,
		amount, from, asset,
	); err != nil {
		return false, fmt.Errorf("store: debit sender: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET amount = amount + $1 WHERE address = $2 AND asset = $3`,
		amount, to, asset,
	); err != nil {
		return false, fmt.Errorf("store: credit receiver: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit settlement transfer: %w", err)
	}
	return true, nil
}

func (p *Postgres) InsertOrder(ctx context.Context, o Order) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders (id, address, asset, side, type, amount, remaining_amount, price, reserved, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.Address, o.Asset, o.Side, o.Type, o.Amount, o.RemainingAmount, o.Price, o.Reserved, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert order: %w", err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Address, &o.Asset, &o.Side, &o.Type, &o.Amount, &o.RemainingAmount, &o.Price, &o.Reserved, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

const orderColumns = `id, address, asset, side, type, amount, remaining_amount, price, reserved, status, created_at, updated_at`

func (p *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("store: get order: %w", err)
	}
	return o, nil
}

func (p *Postgres) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []interface{}
	if filter.Address != "" {
		args = append(args, filter.Address)
		query += fmt.Sprintf(" AND address = $%d", len(args))
	}
	if filter.HasStatus {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ApplyTrade(ctx context.Context, ts TradeSettlement) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin apply trade: %w", err)
	}
	defer tx.Rollback()

	quote := ts.Trade.Price.Mul(ts.Trade.Amount)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trades (id, buy_order_id, sell_order_id, asset, amount, price, buyer_address, seller_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ts.Trade.ID, ts.Trade.BuyOrderID, ts.Trade.SellOrderID, ts.Trade.Asset, ts.Trade.Amount, ts.Trade.Price,
		ts.Trade.BuyerAddress, ts.Trade.SellerAddress, ts.Trade.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert trade: %w", err)
	}

	var candidateAddress, candidateAsset string
	var candidateAmount decimal.Decimal
	row := tx.QueryRowContext(ctx, `SELECT address, side, asset FROM orders WHERE id = $1`, ts.Candidate.ID)
	var candidateSide string
	if err := row.Scan(&candidateAddress, &candidateSide, &candidateAsset); err != nil {
		return fmt.Errorf("store: locate candidate order: %w", err)
	}
	if candidateSide == string(SideBuy) {
		candidateAsset = money.Quote
	}
	candidateAmount = ts.Candidate.ReservedDelta

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, remaining_amount = $2, reserved = GREATEST(reserved - $3, 0), updated_at = now()
		 WHERE id = $4`,
		ts.Candidate.Status, ts.Candidate.Remaining, ts.Candidate.ReservedDelta, ts.Candidate.ID,
	); err != nil {
		return fmt.Errorf("store: update candidate order: %w", err)
	}

	for _, u := range []struct {
		address, asset string
		amount         decimal.Decimal
	}{
		{ts.Trade.BuyerAddress, ts.Trade.Asset, ts.Trade.Amount},        // buyer receives base
		{ts.Trade.SellerAddress, ts.Trade.Asset, ts.Trade.Amount.Neg()}, // seller gives up base
		{ts.Trade.BuyerAddress, money.Quote, quote.Neg()},               // buyer pays quote
		{ts.Trade.SellerAddress, money.Quote, quote},                    // seller receives quote
	} {
		if err := upsertZeroBalance(ctx, tx, u.address, u.asset); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE balances SET amount = amount + $1 WHERE address = $2 AND asset = $3`,
			u.amount, u.address, u.asset,
		); err != nil {
			return fmt.Errorf("store: move balance: %w", err)
		}
	}

	if candidateAmount.IsPositive() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE balances SET reserved = GREATEST(reserved - $1, 0) WHERE address = $2 AND asset = $3`,
			candidateAmount, candidateAddress, candidateAsset,
		); err != nil {
			return fmt.Errorf("store: release candidate reservation: %w", err)
		}
	}

	if ts.NewOrderEscrow.Amount.IsPositive() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE balances SET reserved = GREATEST(reserved - $1, 0) WHERE address = $2 AND asset = $3`,
			ts.NewOrderEscrow.Amount, ts.NewOrderEscrow.Address, ts.NewOrderEscrow.Asset,
		); err != nil {
			return fmt.Errorf("store: release new order escrow: %w", err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) CancelOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin cancel: %w", err)
	}
	defer tx.Rollback()

	var o Order
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err = scanOrder(row)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: lock order: %w", err)
	}

	if o.Status != OrderPending && o.Status != OrderPartiallyFilled {
		return false, nil
	}

	asset := money.Quote
	if o.Side == SideSell {
		asset = o.Asset
	}

	if err := upsertZeroBalance(ctx, tx, o.Address, asset); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET reserved = GREATEST(reserved - $1, 0) WHERE address = $2 AND asset = $3`,
		o.Reserved, o.Address, asset,
	); err != nil {
		return false, fmt.Errorf("store: release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, reserved = 0, updated_at = now() WHERE id = $2`,
		OrderCancelled, id,
	); err != nil {
		return false, fmt.Errorf("store: cancel order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit cancel: %w", err)
	}
	return true, nil
}

func (p *Postgres) ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error) {
	query := `SELECT id, buy_order_id, sell_order_id, asset, amount, price, buyer_address, seller_address, created_at
	          FROM trades WHERE 1=1`
	var args []interface{}
	if filter.Asset != "" {
		args = append(args, filter.Asset)
		query += fmt.Sprintf(" AND asset = $%d", len(args))
	}
	if filter.Address != "" {
		args = append(args, filter.Address)
		query += fmt.Sprintf(" AND (buyer_address = $%d OR seller_address = $%d)", len(args), len(args))
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Asset, &t.Amount, &t.Price, &t.BuyerAddress, &t.SellerAddress, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) BookDepth(ctx context.Context, asset string, maxLevels int) ([]PriceLevel, []PriceLevel, error) {
	bids, err := p.levels(ctx, asset, SideBuy, maxLevels, "DESC")
	if err != nil {
		return nil, nil, err
	}
	asks, err := p.levels(ctx, asset, SideSell, maxLevels, "ASC")
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

func (p *Postgres) levels(ctx context.Context, asset string, side Side, maxLevels int, direction string) ([]PriceLevel, error) {
	restingStatuses := pq.Array([]string{string(OrderPending), string(OrderPartiallyFilled)})
	rows, err := p.db.QueryContext(ctx,
		`SELECT price, SUM(remaining_amount), COUNT(*)
		 FROM orders
		 WHERE asset = $1 AND side = $2 AND status = ANY($3) AND type = $4
		 GROUP BY price
		 ORDER BY price `+direction+`
		 LIMIT $5`,
		asset, side, restingStatuses, OrderTypeLimit, maxLevels,
	)
	if err != nil {
		return nil, fmt.Errorf("store: book levels: %w", err)
	}
	defer rows.Close()

	var out []PriceLevel
	for rows.Next() {
		var l PriceLevel
		if err := rows.Scan(&l.Price, &l.TotalRemaining, &l.OrderCount); err != nil {
			return nil, fmt.Errorf("store: scan level: %w", err)
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if direction == "DESC" {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
