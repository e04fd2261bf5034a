package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Apply holds a row lock on the portfolio for the length of its transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const portfolioColumns = `id, seq, realm_id, owner_id, cash::TEXT, baseline::TEXT, closed_realized_pnl::TEXT, created_at`

const positionColumns = `portfolio_id, symbol, quantity, avg_cost::TEXT, last_price::TEXT, realized_pnl::TEXT, updated_at`

func scanPortfolio(row rowScanner) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, baseline, closed string
	if err := row.Scan(&p.ID, &p.Seq, &p.RealmID, &p.OwnerID, &cash, &baseline, &closed, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		[]string{cash, baseline, closed},
		[]*decimal.Decimal{&p.Cash, &p.Baseline, &p.ClosedRealizedPnL},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var pos model.Position
	var avg, last, realized string
	if err := row.Scan(&pos.PortfolioID, &pos.Symbol, &pos.Quantity, &avg, &last, &realized, &pos.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals(
		[]string{avg, last, realized},
		[]*decimal.Decimal{&pos.AvgCost, &pos.LastPrice, &pos.RealizedPnL},
	); err != nil {
		return nil, err
	}
	return &pos, nil
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

// notFound maps pgx.ErrNoRows to model.ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Realms ---

func (s *PostgresStore) CreateRealm(ctx context.Context, r *model.Realm) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO realms (id, kind, name, base_amount, owner_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		r.ID, r.Kind, r.Name, r.BaseAmount.String(), r.OwnerID, r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("realm %s: %w", r.ID, model.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create realm %s: %w", r.ID, err)
	}
	return nil
}

func scanRealm(row rowScanner) (*model.Realm, error) {
	var r model.Realm
	var base string
	if err := row.Scan(&r.ID, &r.Kind, &r.Name, &base, &r.OwnerID, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]string{base}, []*decimal.Decimal{&r.BaseAmount}); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRealm(ctx context.Context, id string) (*model.Realm, error) {
	r, err := scanRealm(s.pool.QueryRow(ctx,
		`SELECT id, kind, name, base_amount::TEXT, owner_id, created_at
		 FROM realms WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "realm "+id)
	}
	return r, nil
}

func (s *PostgresStore) ListRealms(ctx context.Context) ([]model.Realm, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, name, base_amount::TEXT, owner_id, created_at
		 FROM realms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list realms: %w", err)
	}
	defer rows.Close()

	var realms []model.Realm
	for rows.Next() {
		r, err := scanRealm(rows)
		if err != nil {
			return nil, fmt.Errorf("list realms: %w", err)
		}
		realms = append(realms, *r)
	}
	return realms, rows.Err()
}

func (s *PostgresStore) DeleteRealm(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete realm %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	// Locking the realm row first makes concurrent CreatePortfolio calls for
	// this realm either finish before the delete or see the realm gone.
	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM realms WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		return notFound(err, "realm "+id)
	}

	// Positions and history cascade from portfolios.
	if _, err := tx.Exec(ctx, `DELETE FROM portfolios WHERE realm_id = $1`, id); err != nil {
		return fmt.Errorf("delete realm %s portfolios: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM realms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete realm %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("realm %s: %w", id, model.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	// Room portfolios are only inserted while the realm row exists; the
	// share lock conflicts with DeleteRealm's row lock.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO portfolios (id, realm_id, owner_id, cash, baseline, closed_realized_pnl, created_at)
		 SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::TIMESTAMPTZ
		 WHERE starts_with($2::TEXT, 'primary:')
		    OR EXISTS (SELECT 1 FROM realms WHERE id = $2::TEXT FOR SHARE)
		 RETURNING seq`,
		p.ID, p.RealmID, p.OwnerID,
		p.Cash.String(), p.Baseline.String(), p.ClosedRealizedPnL.String(),
		p.CreatedAt,
	).Scan(&p.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("portfolio for %s in %s: %w", p.OwnerID, p.RealmID, model.ErrConflict)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("realm %s: %w", p.RealmID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "portfolio "+id)
	}
	return p, nil
}

func (s *PostgresStore) FindPortfolio(ctx context.Context, realmID, ownerID string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE realm_id = $1 AND owner_id = $2`,
		realmID, ownerID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("portfolio for %s in %s", ownerID, realmID))
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, realmID string) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE realm_id = $1 ORDER BY seq`, realmID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios %s: %w", realmID, err)
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("list portfolios %s: %w", realmID, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePortfolio(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM portfolios WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete portfolio %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, portfolioID, symbol string) (*model.Position, error) {
	pos, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = $1 AND symbol = $2`,
		portfolioID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", portfolioID, symbol, err)
	}
	return pos, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, portfolioID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listPositions(ctx context.Context, q querier, portfolioID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = $1 ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", portfolioID, err)
	}
	defer rows.Close()

	out := []model.Position{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("list positions %s: %w", portfolioID, err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// Apply locks the portfolio row and the position row, runs fn, and writes
// the result in the same transaction. Any error rolls everything back.
func (s *PostgresStore) Apply(ctx context.Context, portfolioID, symbol string, fn MutateFunc) (*model.Portfolio, *model.Position, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("apply %s: begin: %w", portfolioID, err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPortfolio(tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1 FOR UPDATE`, portfolioID))
	if err != nil {
		return nil, nil, notFound(err, "portfolio "+portfolioID)
	}

	cur, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id = $1 AND symbol = $2 FOR UPDATE`,
		portfolioID, symbol))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		cur = nil
	case err != nil:
		return nil, nil, fmt.Errorf("apply %s/%s: read position: %w", portfolioID, symbol, err)
	}

	m, err := fn(*p, cur)
	if err != nil {
		return nil, nil, err
	}
	if err := checkMutation(symbol, m); err != nil {
		return nil, nil, fmt.Errorf("apply %s/%s: %w", portfolioID, symbol, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE portfolios SET cash = $2::NUMERIC, closed_realized_pnl = $3::NUMERIC WHERE id = $1`,
		portfolioID, m.Cash.String(), m.ClosedRealizedPnL.String(),
	); err != nil {
		return nil, nil, fmt.Errorf("apply %s: update cash: %w", portfolioID, err)
	}

	var out *model.Position
	if m.Position == nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE portfolio_id = $1 AND symbol = $2`, portfolioID, symbol,
		); err != nil {
			return nil, nil, fmt.Errorf("apply %s/%s: delete position: %w", portfolioID, symbol, err)
		}
	} else {
		pos := *m.Position
		pos.PortfolioID = portfolioID
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (portfolio_id, symbol, quantity, avg_cost, last_price, realized_pnl, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (portfolio_id, symbol) DO UPDATE
			 SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost,
			     last_price = EXCLUDED.last_price, realized_pnl = EXCLUDED.realized_pnl,
			     updated_at = EXCLUDED.updated_at`,
			pos.PortfolioID, pos.Symbol, pos.Quantity,
			pos.AvgCost.String(), pos.LastPrice.String(), pos.RealizedPnL.String(),
			pos.UpdatedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("apply %s/%s: upsert position: %w", portfolioID, symbol, err)
		}
		out = &pos
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("apply %s: commit: %w", portfolioID, err)
	}
	p.Cash = m.Cash
	p.ClosedRealizedPnL = m.ClosedRealizedPnL
	return p, out, nil
}

// Snapshot reads the portfolio and its positions in one repeatable-read
// transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, portfolioID string) (*model.Portfolio, []model.Position, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot %s: begin: %w", portfolioID, err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPortfolio(tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, portfolioID))
	if err != nil {
		return nil, nil, notFound(err, "portfolio "+portfolioID)
	}
	positions, err := listPositions(ctx, tx, portfolioID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("snapshot %s: %w", portfolioID, err)
	}
	return p, positions, nil
}

// --- Realm-wide price updates ---

func (s *PostgresStore) RealmSymbols(ctx context.Context, realmID string) ([]model.SymbolExposure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.symbol,
		        SUM(p.quantity)::BIGINT,
		        SUM(p.quantity * p.avg_cost)::TEXT,
		        COUNT(*)
		 FROM positions p
		 JOIN portfolios f ON f.id = p.portfolio_id
		 WHERE f.realm_id = $1
		 GROUP BY p.symbol
		 ORDER BY p.symbol`, realmID)
	if err != nil {
		return nil, fmt.Errorf("realm symbols %s: %w", realmID, err)
	}
	defer rows.Close()

	var out []model.SymbolExposure
	for rows.Next() {
		var e model.SymbolExposure
		var basis string
		if err := rows.Scan(&e.Symbol, &e.Quantity, &basis, &e.Holders); err != nil {
			return nil, fmt.Errorf("realm symbols %s: %w", realmID, err)
		}
		if err := parseDecimals([]string{basis}, []*decimal.Decimal{&e.CostBasis}); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRealmPrice(ctx context.Context, realmID, symbol string, price decimal.Decimal) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions p
		 SET last_price = $3::NUMERIC, updated_at = now()
		 FROM portfolios f
		 WHERE f.id = p.portfolio_id AND f.realm_id = $1 AND p.symbol = $2`,
		realmID, symbol, price.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("set realm price %s/%s: %w", realmID, symbol, err)
	}
	return tag.RowsAffected(), nil
}

// --- History ---

func (s *PostgresStore) InsertHistory(ctx context.Context, h *model.HistorySample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history_samples (id, realm_id, portfolio_id, ts, net_worth)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
		h.ID, h.RealmID, h.PortfolioID, h.Timestamp, h.NetWorth.String(),
	)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", h.PortfolioID, err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, portfolioID string, limit int) ([]model.HistorySample, error) {
	var lim any // LIMIT NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, realm_id, portfolio_id, ts, net_worth::TEXT
		 FROM history_samples WHERE portfolio_id = $1
		 ORDER BY ts, id
		 LIMIT $2`, portfolioID, lim)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []model.HistorySample
	for rows.Next() {
		var h model.HistorySample
		var nw string
		if err := rows.Scan(&h.ID, &h.RealmID, &h.PortfolioID, &h.Timestamp, &nw); err != nil {
			return nil, fmt.Errorf("list history %s: %w", portfolioID, err)
		}
		if err := parseDecimals([]string{nw}, []*decimal.Decimal{&h.NetWorth}); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
