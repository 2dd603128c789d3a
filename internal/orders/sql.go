package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const schemaPendingOrders = `
CREATE TABLE IF NOT EXISTS pending_orders (
    id TEXT PRIMARY KEY,
    expected_reference TEXT NOT NULL,
    expected_amount REAL NOT NULL,
    currency TEXT NOT NULL,
    buyer_id TEXT,
    status TEXT NOT NULL DEFAULT 'awaiting_payment',
    claimed_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status, currency, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_orders_buyer ON pending_orders(buyer_id);
`

// SQLStore reads a mirror of the order system's pending-transaction
// view. Claims use a conditional UPDATE so the database arbitrates
// concurrent decisions.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the order mirror database.
func NewSQLStore(cfg domain.RepositoryConfig) (*SQLStore, error) {
	var dsn, driver string

	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./kestrel_orders.db"
		}
		driver = "sqlite"
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	case "postgres":
		host := cfg.PostgresHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.PostgresPort
		if port == 0 {
			port = 5432
		}
		dbname := cfg.PostgresDB
		if dbname == "" {
			dbname = "kestrel_orders"
		}
		sslmode := cfg.PostgresSSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		driver = "postgres"
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			host, port, cfg.PostgresUser, cfg.PostgresPassword, dbname, sslmode)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open orders database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping orders database: %w", err)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if _, err := db.Exec(schemaPendingOrders); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate orders schema: %w", err)
	}

	return s, nil
}

// UpsertCandidate syncs one pending order into the mirror.
func (s *SQLStore) UpsertCandidate(ctx context.Context, c *domain.MatchCandidate) error {
	status := c.Status
	if status == "" {
		status = domain.CandidateAwaitingPayment
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO pending_orders (
			id, expected_reference, expected_amount, currency, buyer_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expected_reference = excluded.expected_reference,
			expected_amount = excluded.expected_amount,
			currency = excluded.currency,
			buyer_id = excluded.buyer_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		c.ID, c.ExpectedReference, c.ExpectedAmount, c.Currency, c.BuyerID,
		status, c.CreatedAt, now,
	)
	return err
}

// FindCandidates returns candidates awaiting payment that satisfy the
// query filters.
func (s *SQLStore) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.MatchCandidate, error) {
	query := `
		SELECT id, expected_reference, expected_amount, currency, buyer_id, status, created_at
		FROM pending_orders
		WHERE status = ?
	`
	args := []any{domain.CandidateAwaitingPayment}

	if q.Currency != "" {
		query += ` AND UPPER(currency) = UPPER(?)`
		args = append(args, q.Currency)
	}
	if !q.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, q.Until)
	}
	if q.Reference != "" {
		query += ` AND UPPER(expected_reference) = UPPER(?)`
		args = append(args, q.Reference)
	}
	if q.BuyerID != "" {
		query += ` AND buyer_id = ?`
		args = append(args, q.BuyerID)
	}
	if q.Amount != nil {
		// Generous band; the matcher scores the exact difference.
		query += ` AND expected_amount BETWEEN ? AND ?`
		args = append(args, *q.Amount*0.9, *q.Amount*1.1)
	}

	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.MatchCandidate
	for rows.Next() {
		var c domain.MatchCandidate
		var buyerID sql.NullString
		if err := rows.Scan(
			&c.ID, &c.ExpectedReference, &c.ExpectedAmount, &c.Currency,
			&buyerID, &c.Status, &c.CreatedAt,
		); err != nil {
			return nil, err
		}
		c.BuyerID = buyerID.String
		out = append(out, &c)
	}

	return out, rows.Err()
}

// ClaimCandidate transitions a candidate from awaiting payment to
// claimed via a conditional UPDATE. If the update touches no rows the
// candidate is either gone, already ours, or lost to a competitor.
func (s *SQLStore) ClaimCandidate(ctx context.Context, candidateID, extractionID string) error {
	query := `
		UPDATE pending_orders
		SET status = ?, claimed_by = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		domain.CandidateClaimed, extractionID, time.Now().UTC(),
		candidateID, domain.CandidateAwaitingPayment,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var claimedBy sql.NullString
	check := `SELECT claimed_by FROM pending_orders WHERE id = ?`
	err = s.db.QueryRowContext(ctx, s.rebind(check), candidateID).Scan(&claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if claimedBy.String == extractionID {
		return nil
	}
	return domain.ErrClaimConflict
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
