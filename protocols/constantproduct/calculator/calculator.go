package calculator

import (
	"fmt"
	"math/big"
	"sync"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/holiman/uint256"
)

// FeeBps is the swap fee in basis points, fixed at 0.3%.
const FeeBps = 30

var (
	// feeNumerator / feeDenominator is the share of the input that is priced (99.7%).
	feeNumerator   = big.NewInt(997)
	feeDenominator = big.NewInt(1000)

	one = big.NewInt(1)

	// PriceScale is 10^18, the fixed-point scale of SpotPrice. It MUST NOT be modified.
	PriceScale    = uint256.NewInt(1_000_000_000_000_000_000)
	priceScaleBig = PriceScale.ToBig()
)

// Calculator holds reusable big.Int objects for the widened intermediates of every formula.
// Instances are NOT safe for concurrent use by themselves; they are handed out by calculatorPool.
type Calculator struct {
	afterFee    *big.Int
	numerator   *big.Int
	denominator *big.Int
	quotient    *big.Int
	alternative *big.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return &Calculator{
			afterFee:    new(big.Int),
			numerator:   new(big.Int),
			denominator: new(big.Int),
			quotient:    new(big.Int),
			alternative: new(big.Int),
		}
	},
}

// GetAmountOut returns the output of selling amountIn against reserveIn/reserveOut:
//
//	afterFee  = floor(amountIn * 997 / 1000)
//	amountOut = floor(afterFee * reserveOut / (reserveIn + afterFee))
//
// The result may be zero; callers that execute trades must reject that.
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getAmountOut(amountIn, reserveIn, reserveOut)
}

// GetAmountIn returns the smallest input for which GetAmountOut yields at least amountOut.
func GetAmountIn(amountOut, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.getAmountIn(amountOut, reserveIn, reserveOut)
}

// SimulateSwap prices a swap against a view and returns the output together with the view
// the pool would have afterwards. The input view is not modified.
func SimulateSwap(amountIn *uint256.Int, dir constantproduct.Direction, view constantproduct.PoolView) (*uint256.Int, constantproduct.PoolView, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.simulateSwap(amountIn, dir, view)
}

// ClaimsForDeposit returns the claims minted for depositing amountX and amountY.
//
// On an empty pool (totalClaims == 0) this is floor(sqrt(amountX * amountY)). Otherwise it is
// min(amountX*totalClaims/reserveX, amountY*totalClaims/reserveY), so a depositor whose ratio
// differs from the pool's donates the excess of the over-supplied asset.
func ClaimsForDeposit(amountX, amountY, reserveX, reserveY, totalClaims *uint256.Int) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.claimsForDeposit(amountX, amountY, reserveX, reserveY, totalClaims)
}

// AmountsForWithdraw returns the share of each reserve redeemed by burning claims.
func AmountsForWithdraw(claims, reserveX, reserveY, totalClaims *uint256.Int) (amountX, amountY *uint256.Int, err error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.amountsForWithdraw(claims, reserveX, reserveY, totalClaims)
}

// SpotPrice returns floor(reserveX * 10^18 / reserveY): units of X per unit of Y in 18-decimal
// fixed point. It is a display value only; swap pricing always works from raw reserves.
func SpotPrice(reserveX, reserveY *uint256.Int) (*uint256.Int, error) {
	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)
	return calc.spotPrice(reserveX, reserveY)
}

func (c *Calculator) getAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil || reserveIn == nil || reserveOut == nil {
		return nil, constantproduct.ErrNilAmount
	}
	if amountIn.IsZero() {
		return nil, constantproduct.ErrInvalidAmount
	}
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, fmt.Errorf("%w: reserveIn (%s), reserveOut (%s)", constantproduct.ErrInsufficientLiquidity, reserveIn.Dec(), reserveOut.Dec())
	}

	c.afterFee.Mul(amountIn.ToBig(), feeNumerator)
	c.afterFee.Quo(c.afterFee, feeDenominator)

	c.numerator.Mul(c.afterFee, reserveOut.ToBig())
	c.denominator.Add(reserveIn.ToBig(), c.afterFee)

	c.quotient.Quo(c.numerator, c.denominator)
	return narrow(c.quotient)
}

func (c *Calculator) getAmountIn(amountOut, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if amountOut == nil || reserveIn == nil || reserveOut == nil {
		return nil, constantproduct.ErrNilAmount
	}
	if amountOut.IsZero() {
		return nil, constantproduct.ErrInvalidAmount
	}
	if reserveIn.IsZero() || reserveOut.IsZero() || !amountOut.Lt(reserveOut) {
		return nil, fmt.Errorf("%w: requested amountOut (%s) is >= reserveOut (%s)", constantproduct.ErrInsufficientLiquidity, amountOut.Dec(), reserveOut.Dec())
	}

	// afterFee = ceil(amountOut * reserveIn / (reserveOut - amountOut))
	c.denominator.Sub(reserveOut.ToBig(), amountOut.ToBig())
	c.numerator.Mul(amountOut.ToBig(), reserveIn.ToBig())
	ceilDiv(c.afterFee, c.numerator, c.denominator)

	// amountIn = ceil(afterFee * 1000 / 997)
	c.numerator.Mul(c.afterFee, feeDenominator)
	ceilDiv(c.quotient, c.numerator, feeNumerator)
	return narrow(c.quotient)
}

func (c *Calculator) simulateSwap(amountIn *uint256.Int, dir constantproduct.Direction, view constantproduct.PoolView) (*uint256.Int, constantproduct.PoolView, error) {
	reserveIn, reserveOut, err := view.Reserves(dir)
	if err != nil {
		return nil, constantproduct.PoolView{}, err
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, constantproduct.PoolView{}, constantproduct.ErrNoLiquidity
	}

	amountOut, err := c.getAmountOut(amountIn, reserveIn, reserveOut)
	if err != nil {
		return nil, constantproduct.PoolView{}, err
	}
	if amountOut.IsZero() {
		return nil, constantproduct.PoolView{}, fmt.Errorf("%w: amountIn (%s) too small for reserves (%s, %s)", constantproduct.ErrInsufficientOutput, amountIn.Dec(), reserveIn.Dec(), reserveOut.Dec())
	}

	newView := view.Copy()
	newIn, newOut, _ := newView.Reserves(dir)
	if _, overflow := newIn.AddOverflow(newIn, amountIn); overflow {
		return nil, constantproduct.PoolView{}, fmt.Errorf("%w: reserve %s + amountIn %s", constantproduct.ErrOverflow, reserveIn.Dec(), amountIn.Dec())
	}
	newOut.Sub(newOut, amountOut)

	return amountOut, newView, nil
}

func (c *Calculator) claimsForDeposit(amountX, amountY, reserveX, reserveY, totalClaims *uint256.Int) (*uint256.Int, error) {
	if amountX == nil || amountY == nil || reserveX == nil || reserveY == nil || totalClaims == nil {
		return nil, constantproduct.ErrNilAmount
	}
	if amountX.IsZero() || amountY.IsZero() {
		return nil, fmt.Errorf("%w: amountX (%s) and amountY (%s) must both be positive", constantproduct.ErrInvalidAmount, amountX.Dec(), amountY.Dec())
	}

	var minted *uint256.Int
	if totalClaims.IsZero() {
		if !reserveX.IsZero() || !reserveY.IsZero() {
			return nil, fmt.Errorf("%w: no claims outstanding against reserves (%s, %s)", constantproduct.ErrInvalidState, reserveX.Dec(), reserveY.Dec())
		}
		c.numerator.Mul(amountX.ToBig(), amountY.ToBig())
		root, err := narrow(c.sqrt(c.numerator))
		if err != nil {
			return nil, err
		}
		minted = root
	} else {
		if reserveX.IsZero() || reserveY.IsZero() {
			return nil, fmt.Errorf("%w: claims outstanding against reserves (%s, %s)", constantproduct.ErrInvalidState, reserveX.Dec(), reserveY.Dec())
		}
		total := totalClaims.ToBig()

		c.numerator.Mul(amountX.ToBig(), total)
		c.quotient.Quo(c.numerator, reserveX.ToBig())

		c.numerator.Mul(amountY.ToBig(), total)
		c.alternative.Quo(c.numerator, reserveY.ToBig())

		if c.alternative.Cmp(c.quotient) < 0 {
			c.quotient.Set(c.alternative)
		}

		var err error
		if minted, err = narrow(c.quotient); err != nil {
			return nil, err
		}
	}

	if minted.IsZero() {
		return nil, fmt.Errorf("%w: deposit (%s, %s)", constantproduct.ErrInsufficientMintedClaims, amountX.Dec(), amountY.Dec())
	}
	return minted, nil
}

func (c *Calculator) amountsForWithdraw(claims, reserveX, reserveY, totalClaims *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if claims == nil || reserveX == nil || reserveY == nil || totalClaims == nil {
		return nil, nil, constantproduct.ErrNilAmount
	}
	if claims.IsZero() {
		return nil, nil, constantproduct.ErrInvalidAmount
	}
	if totalClaims.IsZero() {
		return nil, nil, constantproduct.ErrNoLiquidity
	}
	if claims.Gt(totalClaims) {
		return nil, nil, fmt.Errorf("%w: burning %s of %s outstanding", constantproduct.ErrInsufficientBalance, claims.Dec(), totalClaims.Dec())
	}

	burned := claims.ToBig()
	total := totalClaims.ToBig()

	c.numerator.Mul(burned, reserveX.ToBig())
	c.quotient.Quo(c.numerator, total)
	amountX, err := narrow(c.quotient)
	if err != nil {
		return nil, nil, err
	}

	c.numerator.Mul(burned, reserveY.ToBig())
	c.quotient.Quo(c.numerator, total)
	amountY, err := narrow(c.quotient)
	if err != nil {
		return nil, nil, err
	}

	if amountX.IsZero() || amountY.IsZero() {
		return nil, nil, fmt.Errorf("%w: burning %s claims yields (%s, %s)", constantproduct.ErrInsufficientLiquidity, claims.Dec(), amountX.Dec(), amountY.Dec())
	}
	return amountX, amountY, nil
}

func (c *Calculator) spotPrice(reserveX, reserveY *uint256.Int) (*uint256.Int, error) {
	if reserveX == nil || reserveY == nil {
		return nil, constantproduct.ErrNilAmount
	}
	if reserveY.IsZero() {
		return nil, constantproduct.ErrNoLiquidity
	}

	c.numerator.Mul(reserveX.ToBig(), priceScaleBig)
	c.quotient.Quo(c.numerator, reserveY.ToBig())
	return narrow(c.quotient)
}

// Sqrt returns floor(sqrt(n)) using Babylonian refinement from (n+1)/2, stopping once the
// candidate no longer decreases. Sqrt(0) is 0.
func Sqrt(n *uint256.Int) *uint256.Int {
	x := new(uint256.Int).Set(n)

	// (n+1)/2, written so that n = 2^256-1 does not wrap.
	y := new(uint256.Int).Rsh(n, 1)
	if n.Uint64()&1 == 1 {
		y.AddUint64(y, 1)
	}

	q := new(uint256.Int)
	for y.Lt(x) {
		x.Set(y)
		q.Div(n, x)
		y.Add(q, x)
		y.Rsh(y, 1)
	}
	return x
}

// sqrt is Sqrt over a widened value, so the root of any product of two 256-bit amounts
// fits back into 256 bits. n MUST NOT be c.quotient, c.alternative or c.denominator.
func (c *Calculator) sqrt(n *big.Int) *big.Int {
	x := c.quotient.Set(n)
	y := c.alternative.Add(n, one)
	y.Rsh(y, 1)

	for y.Cmp(x) < 0 {
		x.Set(y)
		c.denominator.Quo(n, x)
		y.Add(c.denominator, x)
		y.Rsh(y, 1)
	}
	return x
}

// ceilDiv sets z = ceil(x / y) for positive y.
func ceilDiv(z, x, y *big.Int) *big.Int {
	z.Add(x, y)
	z.Sub(z, one)
	return z.Quo(z, y)
}

// narrow converts a widened intermediate back to 256 bits, failing instead of wrapping.
func narrow(b *big.Int) (*uint256.Int, error) {
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %s does not fit in 256 bits", constantproduct.ErrOverflow, b.String())
	}
	return v, nil
}
