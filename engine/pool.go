package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/defistate/defistate-amm-go/protocols/constantproduct/calculator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
	opSwap     = "swap"
)

// Pool is a two-asset constant-product pool. State-changing operations are serialized by a
// single mutex; View, GetReserves, GetPrice and QuoteSwap read an atomically swapped cache
// and never block on writers.
type Pool struct {
	name      string
	assetX    common.Address
	assetY    common.Address
	custodian Custodian
	logger    Logger
	metrics   *Metrics

	mu       sync.RWMutex
	reserveX uint256.Int
	reserveY uint256.Int
	claims   *ClaimLedger
	seq      uint64

	subMu           sync.Mutex
	subs            map[*subscriber]struct{}
	eventBufferSize uint

	cachedView atomic.Pointer[constantproduct.PoolView]
}

// NewPool creates an empty pool for the configured asset pair.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = cfg.AssetX.Hex() + "/" + cfg.AssetY.Hex()
	}

	p := &Pool{
		name:      name,
		assetX:    cfg.AssetX,
		assetY:    cfg.AssetY,
		custodian: cfg.Custodian,
		logger:    cfg.Logger,
		metrics:   NewMetrics(cfg.Registry, name),
		claims:    NewClaimLedger(),
		subs:      make(map[*subscriber]struct{}),
	}
	p.eventBufferSize = cfg.EventBufferSize
	if p.eventBufferSize == 0 {
		p.eventBufferSize = DefaultEventBufferSize
	}
	p.updateCachedView()
	return p, nil
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// Assets returns the asset pair bound at construction.
func (p *Pool) Assets() (assetX, assetY common.Address) { return p.assetX, p.assetY }

// --- Write Methods ---

// Deposit pulls amountX and amountY from holder and mints claims against them.
func (p *Pool) Deposit(ctx context.Context, holder common.Address, amountX, amountY *uint256.Int) (*uint256.Int, error) {
	var minted *uint256.Int
	err := p.execute(ctx, opDeposit, func() (constantproduct.Event, error) {
		var (
			ev  constantproduct.Event
			err error
		)
		minted, ev, err = p.deposit(ctx, holder, amountX, amountY)
		return ev, err
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns claims from holder and pushes out the proportional share of both reserves.
func (p *Pool) Withdraw(ctx context.Context, holder common.Address, claims *uint256.Int) (amountX, amountY *uint256.Int, err error) {
	err = p.execute(ctx, opWithdraw, func() (constantproduct.Event, error) {
		var (
			ev       constantproduct.Event
			innerErr error
		)
		amountX, amountY, ev, innerErr = p.withdraw(ctx, holder, claims)
		return ev, innerErr
	})
	if err != nil {
		return nil, nil, err
	}
	return amountX, amountY, nil
}

// Swap trades amountIn of the direction's input asset for the output asset.
func (p *Pool) Swap(ctx context.Context, caller common.Address, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	var amountOut *uint256.Int
	err := p.execute(ctx, opSwap, func() (constantproduct.Event, error) {
		var (
			ev  constantproduct.Event
			err error
		)
		amountOut, ev, err = p.swap(ctx, caller, dir, amountIn)
		return ev, err
	})
	if err != nil {
		return nil, err
	}
	return amountOut, nil
}

// SwapXForY trades asset X for asset Y.
func (p *Pool) SwapXForY(ctx context.Context, caller common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	return p.Swap(ctx, caller, constantproduct.XForY, amountIn)
}

// SwapYForX trades asset Y for asset X.
func (p *Pool) SwapYForX(ctx context.Context, caller common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	return p.Swap(ctx, caller, constantproduct.YForX, amountIn)
}

// execute runs fn under the state lock. On success it stamps the returned event with the
// next sequence number, refreshes the cached view and publishes the record. Publishing never
// blocks, so custody transfers are the only suspension points.
func (p *Pool) execute(ctx context.Context, op string, fn func() (constantproduct.Event, error)) error {
	timer := prometheus.NewTimer(p.metrics.operationDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	if err := ctx.Err(); err != nil {
		p.metrics.operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		return err
	}

	p.mu.Lock()
	ev, err := fn()
	if err != nil {
		p.mu.Unlock()
		p.metrics.operationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		p.logger.Debug("Pool operation rejected", "pool", p.name, "operation", op, "error", err)
		return err
	}

	p.seq++
	rec := constantproduct.Record{Seq: p.seq, Event: ev}
	view := p.updateCachedView()
	p.metrics.observeView(view)
	p.publish(rec)
	p.mu.Unlock()

	p.metrics.operationsTotal.WithLabelValues(op, resultLabel(nil)).Inc()
	p.logger.Debug("Pool operation committed", "pool", p.name, "operation", op, "seq", rec.Seq,
		"reserveX", view.ReserveX.Dec(), "reserveY", view.ReserveY.Dec(), "totalClaims", view.TotalClaims.Dec())
	return nil
}

// deposit MUST be called with p.mu held.
func (p *Pool) deposit(ctx context.Context, holder common.Address, amountX, amountY *uint256.Int) (*uint256.Int, constantproduct.Event, error) {
	minted, err := calculator.ClaimsForDeposit(amountX, amountY, &p.reserveX, &p.reserveY, p.claims.TotalSupply())
	if err != nil {
		return nil, nil, err
	}
	newX, overflowX := new(uint256.Int).AddOverflow(&p.reserveX, amountX)
	newY, overflowY := new(uint256.Int).AddOverflow(&p.reserveY, amountY)
	if overflowX || overflowY {
		return nil, nil, fmt.Errorf("%w: reserves (%s, %s) + deposit (%s, %s)", constantproduct.ErrOverflow, p.reserveX.Dec(), p.reserveY.Dec(), amountX.Dec(), amountY.Dec())
	}
	if err := p.claims.checkMint(minted); err != nil {
		return nil, nil, err
	}

	if err := p.pull(ctx, p.assetX, holder, amountX); err != nil {
		return nil, nil, err
	}
	if err := p.pull(ctx, p.assetY, holder, amountY); err != nil {
		return nil, nil, p.compensate(opDeposit, err, p.push(context.WithoutCancel(ctx), p.assetX, holder, amountX))
	}

	p.reserveX.Set(newX)
	p.reserveY.Set(newY)
	if err := p.claims.Mint(holder, minted); err != nil {
		// checkMint passed under the same lock
		panic(fmt.Sprintf("claim mint failed after check: %v", err))
	}

	return minted, constantproduct.LiquidityAdded{
		Holder:       holder,
		AmountX:      new(uint256.Int).Set(amountX),
		AmountY:      new(uint256.Int).Set(amountY),
		ClaimsMinted: new(uint256.Int).Set(minted),
	}, nil
}

// withdraw MUST be called with p.mu held.
func (p *Pool) withdraw(ctx context.Context, holder common.Address, claims *uint256.Int) (*uint256.Int, *uint256.Int, constantproduct.Event, error) {
	if claims == nil {
		return nil, nil, nil, constantproduct.ErrNilAmount
	}
	if claims.IsZero() {
		return nil, nil, nil, fmt.Errorf("%w: claims must be positive", constantproduct.ErrInvalidAmount)
	}
	if balance := p.claims.BalanceOf(holder); balance.Lt(claims) {
		return nil, nil, nil, fmt.Errorf("%w: holder %s has %s claims, burning %s", constantproduct.ErrInsufficientBalance, holder.Hex(), balance.Dec(), claims.Dec())
	}
	amountX, amountY, err := calculator.AmountsForWithdraw(claims, &p.reserveX, &p.reserveY, p.claims.TotalSupply())
	if err != nil {
		return nil, nil, nil, err
	}

	// Bookkeeping is committed before any asset leaves custody.
	prevX, prevY := p.reserveX, p.reserveY
	if err := p.claims.Burn(holder, claims); err != nil {
		return nil, nil, nil, err
	}
	p.reserveX.Sub(&p.reserveX, amountX)
	p.reserveY.Sub(&p.reserveY, amountY)

	rollback := func() {
		p.reserveX, p.reserveY = prevX, prevY
		if err := p.claims.Mint(holder, claims); err != nil {
			panic(fmt.Sprintf("claim restore failed: %v", err))
		}
	}

	if err := p.push(ctx, p.assetX, holder, amountX); err != nil {
		rollback()
		return nil, nil, nil, err
	}
	if err := p.push(ctx, p.assetY, holder, amountY); err != nil {
		rollback()
		return nil, nil, nil, p.compensate(opWithdraw, err, p.pull(context.WithoutCancel(ctx), p.assetX, holder, amountX))
	}

	return amountX, amountY, constantproduct.LiquidityRemoved{
		Holder:       holder,
		AmountX:      new(uint256.Int).Set(amountX),
		AmountY:      new(uint256.Int).Set(amountY),
		ClaimsBurned: new(uint256.Int).Set(claims),
	}, nil
}

// swap MUST be called with p.mu held.
func (p *Pool) swap(ctx context.Context, caller common.Address, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, constantproduct.Event, error) {
	if !dir.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", constantproduct.ErrInvalidDirection, uint8(dir))
	}
	if amountIn == nil {
		return nil, nil, constantproduct.ErrNilAmount
	}
	if amountIn.IsZero() {
		return nil, nil, fmt.Errorf("%w: amountIn must be positive", constantproduct.ErrInvalidAmount)
	}

	amountOut, next, err := calculator.SimulateSwap(amountIn, dir, p.viewLocked())
	if err != nil {
		return nil, nil, err
	}

	assetIn, assetOut := next.Assets(dir)
	if err := p.pull(ctx, assetIn, caller, amountIn); err != nil {
		return nil, nil, err
	}
	if err := p.push(ctx, assetOut, caller, amountOut); err != nil {
		return nil, nil, p.compensate(opSwap, err, p.push(context.WithoutCancel(ctx), assetIn, caller, amountIn))
	}

	p.reserveX.Set(next.ReserveX)
	p.reserveY.Set(next.ReserveY)

	return amountOut, constantproduct.Swap{
		Caller:    caller,
		AmountIn:  new(uint256.Int).Set(amountIn),
		AmountOut: new(uint256.Int).Set(amountOut),
		Direction: dir,
	}, nil
}

func (p *Pool) pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if err := p.custodian.Pull(ctx, asset, from, new(uint256.Int).Set(amount)); err != nil {
		p.logger.Warn("Custody pull failed", "pool", p.name, "asset", asset.Hex(), "from", from.Hex(), "amount", amount.Dec(), "error", err)
		return fmt.Errorf("%w: pull %s of %s from %s: %w", constantproduct.ErrTransferFailed, amount.Dec(), asset.Hex(), from.Hex(), err)
	}
	return nil
}

func (p *Pool) push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if err := p.custodian.Push(ctx, asset, to, new(uint256.Int).Set(amount)); err != nil {
		p.logger.Warn("Custody push failed", "pool", p.name, "asset", asset.Hex(), "to", to.Hex(), "amount", amount.Dec(), "error", err)
		return fmt.Errorf("%w: push %s of %s to %s: %w", constantproduct.ErrTransferFailed, amount.Dec(), asset.Hex(), to.Hex(), err)
	}
	return nil
}

// compensate reports cause, joined with undoErr when the reversing transfer also failed.
// Pool state is restored either way; custody balances may then disagree with it.
func (p *Pool) compensate(op string, cause, undoErr error) error {
	if undoErr == nil {
		return cause
	}
	p.metrics.compensationFailures.Inc()
	p.logger.Error("Failed to reverse transfer, custody is out of balance with pool", "pool", p.name, "operation", op, "cause", cause, "error", undoErr)
	return errors.Join(cause, fmt.Errorf("compensation failed: %w", undoErr))
}

// viewLocked builds a fresh view. MUST be called with p.mu held.
func (p *Pool) viewLocked() constantproduct.PoolView {
	return constantproduct.PoolView{
		Name:        p.name,
		AssetX:      p.assetX,
		AssetY:      p.assetY,
		ReserveX:    new(uint256.Int).Set(&p.reserveX),
		ReserveY:    new(uint256.Int).Set(&p.reserveY),
		TotalClaims: p.claims.TotalSupply(),
		Seq:         p.seq,
	}
}

// updateCachedView MUST be called with p.mu held or before the pool is shared.
func (p *Pool) updateCachedView() constantproduct.PoolView {
	view := p.viewLocked()
	p.cachedView.Store(&view)
	return view
}

// --- Read Methods ---

// View returns a deep copy of the pool's latest committed public state.
func (p *Pool) View() constantproduct.PoolView {
	return p.cachedView.Load().Copy()
}

// GetReserves returns the current reserves of asset X and asset Y.
func (p *Pool) GetReserves() (reserveX, reserveY *uint256.Int) {
	v := p.cachedView.Load()
	return new(uint256.Int).Set(v.ReserveX), new(uint256.Int).Set(v.ReserveY)
}

// TotalClaims returns the outstanding claim supply.
func (p *Pool) TotalClaims() *uint256.Int {
	return new(uint256.Int).Set(p.cachedView.Load().TotalClaims)
}

// GetPrice returns units of X per unit of Y scaled by 10^18.
func (p *Pool) GetPrice() (*uint256.Int, error) {
	v := p.cachedView.Load()
	return calculator.SpotPrice(v.ReserveX, v.ReserveY)
}

// GetAmountOut applies the swap pricing formula to the supplied reserves.
func (p *Pool) GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	return calculator.GetAmountOut(amountIn, reserveIn, reserveOut)
}

// QuoteSwap previews a swap against the current reserves without touching state or custody.
// It fails exactly when Swap would fail before reaching custody.
func (p *Pool) QuoteSwap(dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: %d", constantproduct.ErrInvalidDirection, uint8(dir))
	}
	if amountIn == nil {
		return nil, constantproduct.ErrNilAmount
	}
	if amountIn.IsZero() {
		return nil, fmt.Errorf("%w: amountIn must be positive", constantproduct.ErrInvalidAmount)
	}
	amountOut, _, err := calculator.SimulateSwap(amountIn, dir, *p.cachedView.Load())
	return amountOut, err
}

// BalanceOf returns holder's claim balance.
func (p *Pool) BalanceOf(holder common.Address) *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.claims.BalanceOf(holder)
}

// Snapshot returns the full pool state, including every claim balance, at one point in time.
func (p *Pool) Snapshot() constantproduct.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return constantproduct.Snapshot{
		View:   p.viewLocked(),
		Claims: p.claims.snapshot(),
	}
}
