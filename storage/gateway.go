// Package storage wraps PostgreSQL access for the authorization edge:
// a pooled gateway for plain reads and the idempotent insert, plus a
// two-phase-commit participant built on prepared transactions.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"minivisa/configs"
)

// Row is the subset of pgx.Row the gateway exposes.
type Row interface {
	Scan(dest ...interface{}) error
}

// LocalTxn is one open database transaction. pgx transactions satisfy
// it through the pgxTxn adapter; tests substitute fakes.
type LocalTxn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens local transactions; implemented by Gateway.
type Beginner interface {
	BeginLocal(ctx context.Context) (LocalTxn, error)
}

// TransactionRecord is one persisted authorization outcome.
type TransactionRecord struct {
	RequestID string    `json:"request_id"`
	PANMasked string    `json:"pan_masked"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Gateway owns the connection pool. Each worker acquires its own
// connection through the pool, so workers never share a session.
type Gateway struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, uri string) (*Gateway, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parse DB_URI")
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	return &Gateway{pool: pool}, nil
}

func (g *Gateway) Close() {
	g.pool.Close()
}

// EnsureSchema creates the transaction table and its idempotency index
// when absent; safe to call on every startup.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	_, err := g.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id          BIGSERIAL PRIMARY KEY,
			request_id  TEXT UNIQUE,
			pan_masked  TEXT NOT NULL,
			amount      NUMERIC NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return errors.Wrap(err, "ensure schema")
}

// Ready reports whether the database answers a ping.
func (g *Gateway) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, configs.SocketTimeout)
	defer cancel()
	return g.pool.Ping(ctx) == nil
}

func (g *Gateway) BeginLocal(ctx context.Context) (LocalTxn, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin local transaction")
	}
	return &pgxTxn{tx: tx}, nil
}

// LookupByRequestID serves the tx operational endpoint.
func (g *Gateway) LookupByRequestID(ctx context.Context, requestID string) (*TransactionRecord, error) {
	rec := &TransactionRecord{}
	err := g.pool.QueryRow(ctx,
		`SELECT request_id, pan_masked, amount::text, status, created_at
		 FROM transactions WHERE request_id = $1`, requestID).
		Scan(&rec.RequestID, &rec.PANMasked, &rec.Amount, &rec.Status, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "lookup by request_id")
	}
	return rec, nil
}

type pgxTxn struct {
	tx pgx.Tx
}

func (t *pgxTxn) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *pgxTxn) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTxn) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTxn) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// InsertOrGet inserts one transaction row under q, or, when request_id
// already exists, returns the existing row's status. The second return
// is the final status the caller should report.
func InsertOrGet(ctx context.Context, q LocalTxn, requestID, panMasked, amount, status string) (bool, string, error) {
	// Without an idempotency key there is nothing to dedup against.
	if requestID == "" {
		err := q.Exec(ctx,
			`INSERT INTO transactions (pan_masked, amount, status) VALUES ($1, $2::numeric, $3)`,
			panMasked, amount, status)
		if err != nil {
			return false, "", errors.Wrap(err, "insert transaction")
		}
		return false, status, nil
	}

	var got string
	err := q.QueryRow(ctx,
		`INSERT INTO transactions (request_id, pan_masked, amount, status)
		 VALUES ($1, $2, $3::numeric, $4)
		 ON CONFLICT (request_id) DO NOTHING
		 RETURNING status`,
		requestID, panMasked, amount, status).Scan(&got)
	if err == nil {
		return false, got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, "", errors.Wrap(err, "idempotent insert")
	}

	// Conflict: the row already exists, report its status.
	err = q.QueryRow(ctx,
		`SELECT status FROM transactions WHERE request_id = $1`, requestID).Scan(&got)
	if err != nil {
		return false, "", errors.Wrap(err, "select existing by request_id")
	}
	return true, got, nil
}
