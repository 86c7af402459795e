package constantproduct

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Patch applies a single event record to a view and returns the resulting view.
//
// CONTRACT:
//  1. Immutability: prev is never mutated; the returned view shares no memory with it.
//  2. Ordering: rec.Seq must be exactly prev.Seq+1, otherwise ErrOutOfOrder is returned.
//
// Replaying every record a pool emitted onto an empty view reproduces the pool's own view.
func Patch(prev PoolView, rec Record) (PoolView, error) {
	if rec.Seq != prev.Seq+1 {
		return PoolView{}, fmt.Errorf("%w: view at seq %d, event seq %d", ErrOutOfOrder, prev.Seq, rec.Seq)
	}

	next := prev.Copy()
	var err error

	switch ev := rec.Event.(type) {
	case LiquidityAdded:
		err = applyAdd(&next, ev.AmountX, ev.AmountY, ev.ClaimsMinted)
	case *LiquidityAdded:
		err = applyAdd(&next, ev.AmountX, ev.AmountY, ev.ClaimsMinted)
	case LiquidityRemoved:
		err = applyRemove(&next, ev.AmountX, ev.AmountY, ev.ClaimsBurned)
	case *LiquidityRemoved:
		err = applyRemove(&next, ev.AmountX, ev.AmountY, ev.ClaimsBurned)
	case Swap:
		err = applySwap(&next, ev.Direction, ev.AmountIn, ev.AmountOut)
	case *Swap:
		err = applySwap(&next, ev.Direction, ev.AmountIn, ev.AmountOut)
	default:
		err = fmt.Errorf("%w: unsupported event %T", ErrInvalidState, rec.Event)
	}
	if err != nil {
		return PoolView{}, err
	}

	next.Seq = rec.Seq
	return next, nil
}

// PatchAll applies records in order, stopping at the first error.
func PatchAll(prev PoolView, recs []Record) (PoolView, error) {
	view := prev.Copy()
	for _, rec := range recs {
		next, err := Patch(view, rec)
		if err != nil {
			return PoolView{}, err
		}
		view = next
	}
	return view, nil
}

func applyAdd(v *PoolView, amountX, amountY, claims *uint256.Int) error {
	if amountX == nil || amountY == nil || claims == nil {
		return ErrNilAmount
	}
	if err := add(v.ReserveX, amountX); err != nil {
		return err
	}
	if err := add(v.ReserveY, amountY); err != nil {
		return err
	}
	return add(v.TotalClaims, claims)
}

func applyRemove(v *PoolView, amountX, amountY, claims *uint256.Int) error {
	if amountX == nil || amountY == nil || claims == nil {
		return ErrNilAmount
	}
	if err := sub(v.ReserveX, amountX); err != nil {
		return err
	}
	if err := sub(v.ReserveY, amountY); err != nil {
		return err
	}
	return sub(v.TotalClaims, claims)
}

func applySwap(v *PoolView, dir Direction, amountIn, amountOut *uint256.Int) error {
	if amountIn == nil || amountOut == nil {
		return ErrNilAmount
	}
	reserveIn, reserveOut, err := v.Reserves(dir)
	if err != nil {
		return err
	}
	if err := add(reserveIn, amountIn); err != nil {
		return err
	}
	return sub(reserveOut, amountOut)
}

// add sets dst = dst + x in place.
func add(dst, x *uint256.Int) error {
	if _, overflow := dst.AddOverflow(dst, x); overflow {
		return ErrOverflow
	}
	return nil
}

// sub sets dst = dst - x in place.
func sub(dst, x *uint256.Int) error {
	if dst.Lt(x) {
		return fmt.Errorf("%w: cannot subtract %s from %s", ErrInvalidState, x.Dec(), dst.Dec())
	}
	dst.Sub(dst, x)
	return nil
}
