package twofactor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetops/fleetops/internal/platform/db"
	"github.com/fleetops/fleetops/internal/shared"
)

// Store abstracts persistence of 2FA settings. The string returned by
// the load methods is the account email, used as the TOTP account name.
type Store interface {
	Load(ctx context.Context, userID int64) (Settings, string, error)
	WithTx(ctx context.Context, fn func(TxStore) error) error
	// Bind wraps an externally owned transaction so the role-assignment
	// sync can write through it.
	Bind(tx pgx.Tx) TxStore
}

// TxStore is the transactional slice of the store. LoadForUpdate must
// lock the row for the remainder of the transaction.
type TxStore interface {
	LoadForUpdate(ctx context.Context, userID int64) (Settings, string, error)
	Save(ctx context.Context, userID int64, required, enabled bool, secret string) error
}

// PGStore persists 2FA settings on the users table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Load(ctx context.Context, userID int64) (Settings, string, error) {
	return scanSettings(s.pool.QueryRow(ctx,
		`SELECT email, two_factor_required, two_factor_enabled, COALESCE(two_factor_secret, '') FROM users WHERE id = $1`,
		userID), userID)
}

func (s *PGStore) WithTx(ctx context.Context, fn func(TxStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgTxStore{tx: tx})
	})
}

func (s *PGStore) Bind(tx pgx.Tx) TxStore {
	return pgTxStore{tx: tx}
}

type pgTxStore struct {
	tx pgx.Tx
}

func (t pgTxStore) LoadForUpdate(ctx context.Context, userID int64) (Settings, string, error) {
	return scanSettings(t.tx.QueryRow(ctx,
		`SELECT email, two_factor_required, two_factor_enabled, COALESCE(two_factor_secret, '') FROM users WHERE id = $1 FOR UPDATE`,
		userID), userID)
}

func (t pgTxStore) Save(ctx context.Context, userID int64, required, enabled bool, secret string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET two_factor_required = $2, two_factor_enabled = $3, two_factor_secret = NULLIF($4, ''), updated_at = NOW() WHERE id = $1`,
		userID, required, enabled, secret)
	return err
}

func scanSettings(row pgx.Row, userID int64) (Settings, string, error) {
	var (
		settings = Settings{UserID: userID}
		email    string
	)
	err := row.Scan(&email, &settings.Required, &settings.Enabled, &settings.Secret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, "", shared.ErrNotFound
		}
		return Settings{}, "", err
	}
	return settings, email, nil
}
