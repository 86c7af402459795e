// Package memory provides an in-process custody book for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientFunds is returned when the debited account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidTransfer is returned for nil amounts or zero-address accounts.
	ErrInvalidTransfer = errors.New("invalid transfer")
)

type balanceKey struct {
	asset common.Address
	owner common.Address
}

// Book holds asset balances for external accounts and for the pool account it serves.
// Pull moves funds from an account to the pool account; Push moves them back out.
type Book struct {
	mu       sync.Mutex
	pool     common.Address
	balances map[balanceKey]*uint256.Int
}

// NewBook creates an empty book whose custody account is pool.
func NewBook(pool common.Address) *Book {
	return &Book{
		pool:     pool,
		balances: make(map[balanceKey]*uint256.Int),
	}
}

// Account returns the pool's custody account.
func (b *Book) Account() common.Address { return b.pool }

// Credit mints amount of asset to owner out of thin air.
func (b *Book) Credit(asset, owner common.Address, amount *uint256.Int) error {
	if err := checkTransfer(asset, owner, amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balance(asset, owner)
	if _, overflow := new(uint256.Int).AddOverflow(bal, amount); overflow {
		return fmt.Errorf("%w: crediting %s overflows balance", ErrInvalidTransfer, amount.Dec())
	}
	bal.Add(bal, amount)
	return nil
}

// BalanceOf returns a copy of owner's balance of asset.
func (b *Book) BalanceOf(asset, owner common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bal, ok := b.balances[balanceKey{asset, owner}]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// Pull moves amount of asset from account "from" into the pool account.
func (b *Book) Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	return b.transfer(ctx, asset, from, b.pool, amount)
}

// Push moves amount of asset from the pool account to account "to".
func (b *Book) Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	return b.transfer(ctx, asset, b.pool, to, amount)
}

func (b *Book) transfer(ctx context.Context, asset, from, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkTransfer(asset, from, amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero recipient", ErrInvalidTransfer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.balance(asset, from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, need %s", ErrInsufficientFunds, from.Hex(), src.Dec(), asset.Hex(), amount.Dec())
	}
	dst := b.balance(asset, to)
	if _, overflow := new(uint256.Int).AddOverflow(dst, amount); overflow {
		return fmt.Errorf("%w: transfer overflows recipient balance", ErrInvalidTransfer)
	}

	src.Sub(src, amount)
	dst.Add(dst, amount)
	if src.IsZero() {
		delete(b.balances, balanceKey{asset, from})
	}
	return nil
}

// balance returns the live balance entry, creating it if needed. MUST be called with b.mu held.
func (b *Book) balance(asset, owner common.Address) *uint256.Int {
	key := balanceKey{asset, owner}
	bal, ok := b.balances[key]
	if !ok {
		bal = new(uint256.Int)
		b.balances[key] = bal
	}
	return bal
}

func checkTransfer(asset, owner common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidTransfer)
	}
	if asset == (common.Address{}) || owner == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidTransfer)
	}
	return nil
}
