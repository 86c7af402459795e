package constantproduct

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolView is the public state of a pool: its asset bindings, reserves and claim supply.
// Per-holder claim balances are carried by Snapshot.
type PoolView struct {
	Name        string         `json:"name"`
	AssetX      common.Address `json:"assetX"`
	AssetY      common.Address `json:"assetY"`
	ReserveX    *uint256.Int   `json:"reserveX"`
	ReserveY    *uint256.Int   `json:"reserveY"`
	TotalClaims *uint256.Int   `json:"totalClaims"`

	// Seq is the sequence number of the last event reflected in this view.
	Seq uint64 `json:"seq"`
}

// NewPoolView returns an empty view bound to the given assets.
func NewPoolView(name string, assetX, assetY common.Address) PoolView {
	return PoolView{
		Name:        name,
		AssetX:      assetX,
		AssetY:      assetY,
		ReserveX:    new(uint256.Int),
		ReserveY:    new(uint256.Int),
		TotalClaims: new(uint256.Int),
	}
}

// Copy returns a deep copy of the view. Nil amounts become zero.
func (v PoolView) Copy() PoolView {
	out := v
	out.ReserveX = copyAmount(v.ReserveX)
	out.ReserveY = copyAmount(v.ReserveY)
	out.TotalClaims = copyAmount(v.TotalClaims)
	return out
}

// IsEmpty reports whether the pool holds no liquidity.
func (v PoolView) IsEmpty() bool {
	return isZero(v.ReserveX) && isZero(v.ReserveY) && isZero(v.TotalClaims)
}

// Reserves returns the reserves of the input and output asset for a swap direction.
func (v PoolView) Reserves(dir Direction) (reserveIn, reserveOut *uint256.Int, err error) {
	switch dir {
	case XForY:
		return v.ReserveX, v.ReserveY, nil
	case YForX:
		return v.ReserveY, v.ReserveX, nil
	}
	return nil, nil, fmt.Errorf("%w: %d", ErrInvalidDirection, uint8(dir))
}

// Assets returns the input and output asset for a swap direction.
func (v PoolView) Assets(dir Direction) (assetIn, assetOut common.Address) {
	if dir == YForX {
		return v.AssetY, v.AssetX
	}
	return v.AssetX, v.AssetY
}

// Snapshot is the full state of a pool, including every non-zero claim balance.
type Snapshot struct {
	View   PoolView                        `json:"view"`
	Claims map[common.Address]*uint256.Int `json:"claims"`
}

// Copy returns a deep copy of the snapshot.
func (s Snapshot) Copy() Snapshot {
	claims := make(map[common.Address]*uint256.Int, len(s.Claims))
	for holder, balance := range s.Claims {
		claims[holder] = copyAmount(balance)
	}
	return Snapshot{
		View:   s.View.Copy(),
		Claims: claims,
	}
}

func copyAmount(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a)
}

func isZero(a *uint256.Int) bool {
	return a == nil || a.IsZero()
}
