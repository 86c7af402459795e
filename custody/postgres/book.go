// Package postgres implements a custody book persisted in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrInsufficientFunds is returned when the debited account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrCommitUnknown is returned when COMMIT fails. The server may still have applied the
	// transaction, so the transfer must be reconciled against custody_transfers.
	ErrCommitUnknown = errors.New("transaction commit outcome unknown")
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS custody_balances (
		asset  TEXT NOT NULL,
		owner  TEXT NOT NULL,
		amount NUMERIC(78, 0) NOT NULL CHECK (amount >= 0),
		PRIMARY KEY (asset, owner)
	)`,
	`CREATE TABLE IF NOT EXISTS custody_transfers (
		id         UUID PRIMARY KEY,
		asset      TEXT NOT NULL,
		from_owner TEXT NOT NULL,
		to_owner   TEXT NOT NULL,
		amount     NUMERIC(78, 0) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

const (
	debitQuery = `
		UPDATE custody_balances
		SET amount = amount - $3
		WHERE asset = $1 AND owner = $2 AND amount >= $3`

	creditQuery = `
		INSERT INTO custody_balances (asset, owner, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset, owner) DO UPDATE SET amount = custody_balances.amount + EXCLUDED.amount`

	transferQuery = `
		INSERT INTO custody_transfers (id, asset, from_owner, to_owner, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	balanceQuery = `
		SELECT amount::TEXT FROM custody_balances
		WHERE asset = $1 AND owner = $2`
)

// Transfer is one recorded custody movement.
type Transfer struct {
	ID        string    `db:"id"`
	Asset     string    `db:"asset"`
	From      string    `db:"from_owner"`
	To        string    `db:"to_owner"`
	Amount    string    `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

// Book stores balances in custody_balances and logs every movement in custody_transfers.
// Pull and Push each run in a single transaction.
//
// A failed COMMIT is reported as ErrCommitUnknown. The pool treats it like any declined
// transfer and restores its own state, so an operator MUST reconcile such transfers using
// Transfers before trusting custody balances again.
type Book struct {
	db      *sqlx.DB
	account common.Address
	now     func() time.Time
}

// NewBook creates a book whose pool custody account is account.
func NewBook(db *sqlx.DB, account common.Address) *Book {
	return &Book{
		db:      db,
		account: account,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the book's tables if they do not exist.
func (b *Book) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate custody tables: %w", err)
		}
	}
	return nil
}

// Pull moves amount of asset from account "from" into pool custody.
func (b *Book) Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	return b.transfer(ctx, asset, from, b.account, amount)
}

// Push moves amount of asset from pool custody to account "to".
func (b *Book) Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	return b.transfer(ctx, asset, b.account, to, amount)
}

// Credit adds amount to owner's balance without a matching debit and records it as a
// transfer from the zero address.
func (b *Book) Credit(ctx context.Context, asset, owner common.Address, amount *uint256.Int) error {
	if amount == nil {
		return errors.New("nil amount")
	}
	return b.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, creditQuery, key(asset), key(owner), amount.Dec()); err != nil {
			return fmt.Errorf("credit %s: %w", owner.Hex(), err)
		}
		return b.record(ctx, tx, asset, common.Address{}, owner, amount)
	})
}

// BalanceOf returns owner's balance of asset; unknown accounts hold zero.
func (b *Book) BalanceOf(ctx context.Context, asset, owner common.Address) (*uint256.Int, error) {
	var raw string
	err := b.db.GetContext(ctx, &raw, balanceQuery, key(asset), key(owner))
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode balance %q: %w", raw, err)
	}
	return amount, nil
}

// Transfers lists recorded movements of asset, oldest first.
func (b *Book) Transfers(ctx context.Context, asset common.Address) ([]Transfer, error) {
	var out []Transfer
	err := b.db.SelectContext(ctx, &out, `
		SELECT id::TEXT AS id, asset, from_owner, to_owner, amount::TEXT AS amount, created_at
		FROM custody_transfers
		WHERE asset = $1
		ORDER BY created_at, id`, key(asset))
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	return out, nil
}

func (b *Book) transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return errors.New("nil amount")
	}
	return b.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, debitQuery, key(asset), key(from), amount.Dec())
		if err != nil {
			return fmt.Errorf("debit %s: %w", from.Hex(), err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("debit %s: %w", from.Hex(), err)
		} else if rows == 0 {
			return fmt.Errorf("%w: %s cannot cover %s of %s", ErrInsufficientFunds, from.Hex(), amount.Dec(), asset.Hex())
		}
		if _, err := tx.ExecContext(ctx, creditQuery, key(asset), key(to), amount.Dec()); err != nil {
			return fmt.Errorf("credit %s: %w", to.Hex(), err)
		}
		return b.record(ctx, tx, asset, from, to, amount)
	})
}

func (b *Book) record(ctx context.Context, tx *sqlx.Tx, asset, from, to common.Address, amount *uint256.Int) error {
	if _, err := tx.ExecContext(ctx, transferQuery, uuid.NewString(), key(asset), key(from), key(to), amount.Dec(), b.now()); err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

func (b *Book) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitUnknown, err)
	}
	return nil
}

// key is the canonical column form of an address.
func key(a common.Address) string {
	return strings.ToLower(a.Hex())
}
