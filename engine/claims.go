package engine

import (
	"fmt"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ClaimLedger tracks claim-token ownership. The sum of all balances always equals the
// total supply, and holders whose balance reaches zero are removed.
// A ClaimLedger is NOT safe for concurrent use; the owning Pool serializes access.
type ClaimLedger struct {
	balances map[common.Address]*uint256.Int
	total    uint256.Int
}

// NewClaimLedger creates an empty ledger.
func NewClaimLedger() *ClaimLedger {
	return &ClaimLedger{
		balances: make(map[common.Address]*uint256.Int),
	}
}

// BalanceOf returns a copy of the holder's balance; unknown holders have zero.
func (l *ClaimLedger) BalanceOf(holder common.Address) *uint256.Int {
	if b, ok := l.balances[holder]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// TotalSupply returns a copy of the total outstanding claims.
func (l *ClaimLedger) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(&l.total)
}

// Holders returns the number of holders with a non-zero balance.
func (l *ClaimLedger) Holders() int {
	return len(l.balances)
}

// checkMint reports whether amount can be minted without overflowing the supply.
func (l *ClaimLedger) checkMint(amount *uint256.Int) error {
	if _, overflow := new(uint256.Int).AddOverflow(&l.total, amount); overflow {
		return fmt.Errorf("%w: claim supply %s + %s", constantproduct.ErrOverflow, l.total.Dec(), amount.Dec())
	}
	return nil
}

// Mint credits amount to holder.
func (l *ClaimLedger) Mint(holder common.Address, amount *uint256.Int) error {
	if amount == nil {
		return constantproduct.ErrNilAmount
	}
	if amount.IsZero() {
		return constantproduct.ErrInvalidAmount
	}
	if err := l.checkMint(amount); err != nil {
		return err
	}

	// a balance never exceeds the supply, so it cannot overflow either
	l.total.Add(&l.total, amount)
	if b, ok := l.balances[holder]; ok {
		b.Add(b, amount)
	} else {
		l.balances[holder] = new(uint256.Int).Set(amount)
	}
	return nil
}

// Burn debits amount from holder.
func (l *ClaimLedger) Burn(holder common.Address, amount *uint256.Int) error {
	if amount == nil {
		return constantproduct.ErrNilAmount
	}
	if amount.IsZero() {
		return constantproduct.ErrInvalidAmount
	}
	b, ok := l.balances[holder]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("%w: holder %s has %s, burning %s", constantproduct.ErrInsufficientBalance, holder.Hex(), l.BalanceOf(holder).Dec(), amount.Dec())
	}

	b.Sub(b, amount)
	l.total.Sub(&l.total, amount)
	if b.IsZero() {
		delete(l.balances, holder)
	}
	return nil
}

// snapshot returns deep copies of every balance.
func (l *ClaimLedger) snapshot() map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(l.balances))
	for holder, b := range l.balances {
		out[holder] = new(uint256.Int).Set(b)
	}
	return out
}
