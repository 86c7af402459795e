package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/defistate/defistate-amm-go/custody/memory"
	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	assetX      = common.HexToAddress("0x000000000000000000000000000000000000000a")
	assetY      = common.HexToAddress("0x000000000000000000000000000000000000000b")
	poolAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice       = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol       = common.HexToAddress("0x0000000000000000000000000000000000000003")

	errDeclined = errors.New("declined")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// faultyCustodian wraps a memory book and declines selected transfers.
type faultyCustodian struct {
	*memory.Book

	mu    sync.Mutex
	fails map[string]bool
}

func (f *faultyCustodian) declined(op string, asset common.Address) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fails[op+asset.Hex()]
}

func (f *faultyCustodian) Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error {
	if f.declined("pull", asset) {
		return errDeclined
	}
	return f.Book.Pull(ctx, asset, from, amount)
}

func (f *faultyCustodian) Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	if f.declined("push", asset) {
		return errDeclined
	}
	return f.Book.Push(ctx, asset, to, amount)
}

func newTestPool(t *testing.T) (*Pool, *faultyCustodian) {
	t.Helper()
	book := memory.NewBook(poolAccount)
	for _, holder := range []common.Address{alice, bob, carol} {
		require.NoError(t, book.Credit(assetX, holder, u(1_000_000_000_000)))
		require.NoError(t, book.Credit(assetY, holder, u(1_000_000_000_000)))
	}
	custodian := &faultyCustodian{Book: book, fails: make(map[string]bool)}

	pool, err := NewPool(Config{
		Name:      "test",
		AssetX:    assetX,
		AssetY:    assetY,
		Custodian: custodian,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return pool, custodian
}

// requireUnchanged asserts that the pool state matches before, claim balances included.
func requireUnchanged(t *testing.T, pool *Pool, before constantproduct.Snapshot) {
	t.Helper()
	diff := constantproduct.Differ(before, pool.Snapshot())
	require.True(t, diff.IsEmpty(), "pool state changed: %+v", diff)
}

// requireCustodyMatches asserts that the pool's custody account holds exactly its reserves.
func requireCustodyMatches(t *testing.T, pool *Pool, book *faultyCustodian) {
	t.Helper()
	reserveX, reserveY := pool.GetReserves()
	require.True(t, reserveX.Eq(book.BalanceOf(assetX, poolAccount)), "custody X %s != reserve %s", book.BalanceOf(assetX, poolAccount).Dec(), reserveX.Dec())
	require.True(t, reserveY.Eq(book.BalanceOf(assetY, poolAccount)), "custody Y %s != reserve %s", book.BalanceOf(assetY, poolAccount).Dec(), reserveY.Dec())
}

func requireInvariant(t *testing.T, pool *Pool) {
	t.Helper()
	snap := pool.Snapshot()
	v := snap.View
	require.True(t, v.ReserveX.IsZero() == v.ReserveY.IsZero() && v.ReserveY.IsZero() == v.TotalClaims.IsZero(),
		"reserves (%s, %s) and claims %s disagree on emptiness", v.ReserveX.Dec(), v.ReserveY.Dec(), v.TotalClaims.Dec())

	sum := new(uint256.Int)
	for _, balance := range snap.Claims {
		require.False(t, balance.IsZero(), "zero balances must be removed")
		sum.Add(sum, balance)
	}
	require.True(t, sum.Eq(v.TotalClaims), "claim balances sum to %s, supply is %s", sum.Dec(), v.TotalClaims.Dec())
}

func TestNewPool_Config(t *testing.T) {
	book := memory.NewBook(poolAccount)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	testCases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid"},
		{name: "missing asset", mutate: func(c *Config) { c.AssetY = common.Address{} }, errMsg: "AssetX and AssetY are required"},
		{name: "identical assets", mutate: func(c *Config) { c.AssetY = c.AssetX }, errMsg: "must differ"},
		{name: "missing custodian", mutate: func(c *Config) { c.Custodian = nil }, errMsg: "Custodian is required"},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }, errMsg: "Logger is required"},
		{name: "missing registry", mutate: func(c *Config) { c.Registry = nil }, errMsg: "Registry is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				AssetX:    assetX,
				AssetY:    assetY,
				Custodian: book,
				Logger:    logger,
				Registry:  prometheus.NewRegistry(),
			}
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			pool, err := NewPool(cfg)
			if tc.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, assetX.Hex()+"/"+assetY.Hex(), pool.Name())
			assert.True(t, pool.View().IsEmpty())
		})
	}
}

func TestPool_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("first deposit mints geometric mean", func(t *testing.T) {
		pool, book := newTestPool(t)

		minted, err := pool.Deposit(ctx, alice, u(1000), u(1000))
		require.NoError(t, err)
		assert.Equal(t, uint64(1000), minted.Uint64())

		reserveX, reserveY := pool.GetReserves()
		assert.Equal(t, uint64(1000), reserveX.Uint64())
		assert.Equal(t, uint64(1000), reserveY.Uint64())
		assert.Equal(t, uint64(1000), pool.BalanceOf(alice).Uint64())
		assert.Equal(t, uint64(1000), pool.TotalClaims().Uint64())
		requireCustodyMatches(t, pool, book)
	})

	t.Run("swap x for y", func(t *testing.T) {
		pool, book := newTestPool(t)
		_, err := pool.Deposit(ctx, alice, u(1000), u(1000))
		require.NoError(t, err)

		out, err := pool.SwapXForY(ctx, bob, u(100))
		require.NoError(t, err)
		assert.Equal(t, uint64(90), out.Uint64())

		reserveX, reserveY := pool.GetReserves()
		assert.Equal(t, uint64(1100), reserveX.Uint64())
		assert.Equal(t, uint64(910), reserveY.Uint64())
		assert.Equal(t, uint64(1_000_000_000_000-100), book.BalanceOf(assetX, bob).Uint64())
		assert.Equal(t, uint64(1_000_000_000_000+90), book.BalanceOf(assetY, bob).Uint64())
		requireCustodyMatches(t, pool, book)
	})

	t.Run("price", func(t *testing.T) {
		pool, _ := newTestPool(t)
		_, err := pool.Deposit(ctx, alice, u(1000), u(500))
		require.NoError(t, err)

		price, err := pool.GetPrice()
		require.NoError(t, err)
		expected, _ := uint256.FromDecimal("2000000000000000000")
		assert.True(t, expected.Eq(price), "got %s", price.Dec())
	})

	t.Run("zero deposit rejected", func(t *testing.T) {
		pool, book := newTestPool(t)
		before := pool.Snapshot()

		_, err := pool.Deposit(ctx, alice, u(0), u(5))
		require.ErrorIs(t, err, constantproduct.ErrInvalidAmount)
		requireUnchanged(t, pool, before)
		requireCustodyMatches(t, pool, book)
	})

	t.Run("withdraw more than held", func(t *testing.T) {
		pool, _ := newTestPool(t)
		_, err := pool.Deposit(ctx, alice, u(1000), u(1000))
		require.NoError(t, err)
		before := pool.Snapshot()

		_, _, err = pool.Withdraw(ctx, alice, u(1001))
		require.ErrorIs(t, err, constantproduct.ErrInsufficientBalance)
		requireUnchanged(t, pool, before)

		_, _, err = pool.Withdraw(ctx, bob, u(1))
		require.ErrorIs(t, err, constantproduct.ErrInsufficientBalance)
		requireUnchanged(t, pool, before)
	})
}

func TestPool_Withdraw(t *testing.T) {
	ctx := context.Background()
	pool, book := newTestPool(t)

	_, err := pool.Deposit(ctx, alice, u(1000), u(1000))
	require.NoError(t, err)
	_, err = pool.SwapXForY(ctx, bob, u(100))
	require.NoError(t, err)

	amountX, amountY, err := pool.Withdraw(ctx, alice, u(250))
	require.NoError(t, err)
	assert.Equal(t, uint64(275), amountX.Uint64())
	assert.Equal(t, uint64(227), amountY.Uint64())
	assert.Equal(t, uint64(750), pool.BalanceOf(alice).Uint64())
	requireCustodyMatches(t, pool, book)
	requireInvariant(t, pool)

	// draining every claim empties the pool in every dimension
	_, _, err = pool.Withdraw(ctx, alice, u(750))
	require.NoError(t, err)
	assert.True(t, pool.View().IsEmpty())
	assert.Empty(t, pool.Snapshot().Claims)
	requireCustodyMatches(t, pool, book)

	// and the next deposit bootstraps again
	minted, err := pool.Deposit(ctx, bob, u(400), u(900))
	require.NoError(t, err)
	assert.Equal(t, uint64(600), minted.Uint64())
}

func TestPool_PreconditionFailures(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name        string
		setup       func(t *testing.T, p *Pool)
		run         func(p *Pool) error
		expectedErr error
	}{
		{
			name: "swap on empty pool",
			run: func(p *Pool) error {
				_, err := p.SwapXForY(ctx, bob, u(100))
				return err
			},
			expectedErr: constantproduct.ErrNoLiquidity,
		},
		{
			name:  "zero swap",
			setup: seed(1000, 1000),
			run: func(p *Pool) error {
				_, err := p.SwapYForX(ctx, bob, u(0))
				return err
			},
			expectedErr: constantproduct.ErrInvalidAmount,
		},
		{
			name:  "nil swap",
			setup: seed(1000, 1000),
			run: func(p *Pool) error {
				_, err := p.SwapYForX(ctx, bob, nil)
				return err
			},
			expectedErr: constantproduct.ErrNilAmount,
		},
		{
			name:  "invalid direction",
			setup: seed(1000, 1000),
			run: func(p *Pool) error {
				_, err := p.Swap(ctx, bob, constantproduct.Direction(7), u(10))
				return err
			},
			expectedErr: constantproduct.ErrInvalidDirection,
		},
		{
			name:  "swap output truncates to zero",
			setup: seed(1000, 1000),
			run: func(p *Pool) error {
				_, err := p.SwapXForY(ctx, bob, u(1))
				return err
			},
			expectedErr: constantproduct.ErrInsufficientOutput,
		},
		{
			name:  "deposit mints zero claims",
			setup: seed(1_000_000, 1),
			run: func(p *Pool) error {
				_, err := p.Deposit(ctx, bob, u(1), u(1))
				return err
			},
			expectedErr: constantproduct.ErrInsufficientMintedClaims,
		},
		{
			name:  "dust withdrawal",
			setup: seed(1, 1_000_000),
			run: func(p *Pool) error {
				_, _, err := p.Withdraw(ctx, alice, u(1))
				return err
			},
			expectedErr: constantproduct.ErrInsufficientLiquidity,
		},
		{
			name:  "zero withdrawal",
			setup: seed(1000, 1000),
			run: func(p *Pool) error {
				_, _, err := p.Withdraw(ctx, alice, u(0))
				return err
			},
			expectedErr: constantproduct.ErrInvalidAmount,
		},
		{
			name: "deposit exceeding custody balance",
			run: func(p *Pool) error {
				_, err := p.Deposit(ctx, alice, u(2_000_000_000_000), u(1))
				return err
			},
			expectedErr: constantproduct.ErrTransferFailed,
		},
		{
			name: "canceled context",
			run: func(p *Pool) error {
				canceled, cancel := context.WithCancel(ctx)
				cancel()
				_, err := p.Deposit(canceled, alice, u(10), u(10))
				return err
			},
			expectedErr: context.Canceled,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool, book := newTestPool(t)
			if tc.setup != nil {
				tc.setup(t, pool)
			}
			before := pool.Snapshot()

			err := tc.run(pool)
			require.ErrorIs(t, err, tc.expectedErr)
			requireUnchanged(t, pool, before)
			requireCustodyMatches(t, pool, book)
		})
	}
}

func seed(x, y uint64) func(t *testing.T, p *Pool) {
	return func(t *testing.T, p *Pool) {
		t.Helper()
		_, err := p.Deposit(context.Background(), alice, u(x), u(y))
		require.NoError(t, err)
	}
}

func TestPool_TransferFailureRollsBack(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name               string
		fail               []string
		run                func(p *Pool) error
		compensationFailed bool
	}{
		{
			name: "deposit first pull",
			fail: []string{"pull" + assetX.Hex()},
			run: func(p *Pool) error {
				_, err := p.Deposit(ctx, bob, u(100), u(100))
				return err
			},
		},
		{
			name: "deposit second pull",
			fail: []string{"pull" + assetY.Hex()},
			run: func(p *Pool) error {
				_, err := p.Deposit(ctx, bob, u(100), u(100))
				return err
			},
		},
		{
			name: "deposit second pull with failed refund",
			fail: []string{"pull" + assetY.Hex(), "push" + assetX.Hex()},
			run: func(p *Pool) error {
				_, err := p.Deposit(ctx, bob, u(100), u(100))
				return err
			},
			compensationFailed: true,
		},
		{
			name: "withdraw first push",
			fail: []string{"push" + assetX.Hex()},
			run: func(p *Pool) error {
				_, _, err := p.Withdraw(ctx, alice, u(500))
				return err
			},
		},
		{
			name: "withdraw second push",
			fail: []string{"push" + assetY.Hex()},
			run: func(p *Pool) error {
				_, _, err := p.Withdraw(ctx, alice, u(500))
				return err
			},
		},
		{
			name: "withdraw second push with failed reclaim",
			fail: []string{"push" + assetY.Hex(), "pull" + assetX.Hex()},
			run: func(p *Pool) error {
				_, _, err := p.Withdraw(ctx, alice, u(500))
				return err
			},
			compensationFailed: true,
		},
		{
			name: "swap pull",
			fail: []string{"pull" + assetX.Hex()},
			run: func(p *Pool) error {
				_, err := p.SwapXForY(ctx, bob, u(100))
				return err
			},
		},
		{
			name: "swap push",
			fail: []string{"push" + assetX.Hex()},
			run: func(p *Pool) error {
				_, err := p.SwapYForX(ctx, bob, u(100))
				return err
			},
		},
		{
			name: "swap push with failed refund",
			fail: []string{"push" + assetX.Hex(), "push" + assetY.Hex()},
			run: func(p *Pool) error {
				_, err := p.SwapYForX(ctx, bob, u(100))
				return err
			},
			compensationFailed: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool, custodian := newTestPool(t)
			_, err := pool.Deposit(ctx, alice, u(1000), u(1000))
			require.NoError(t, err)

			before := pool.Snapshot()
			bobX, bobY := custodian.BalanceOf(assetX, bob), custodian.BalanceOf(assetY, bob)
			aliceX, aliceY := custodian.BalanceOf(assetX, alice), custodian.BalanceOf(assetY, alice)

			custodian.mu.Lock()
			for _, key := range tc.fail {
				custodian.fails[key] = true
			}
			custodian.mu.Unlock()

			err = tc.run(pool)
			require.ErrorIs(t, err, constantproduct.ErrTransferFailed)
			require.ErrorIs(t, err, errDeclined)
			requireUnchanged(t, pool, before)
			assert.Equal(t, before.View.Seq, pool.View().Seq)

			compensationFailures := testutil.ToFloat64(pool.metrics.compensationFailures)
			if tc.compensationFailed {
				assert.Contains(t, err.Error(), "compensation failed")
				assert.Equal(t, float64(1), compensationFailures)
				return
			}
			assert.Zero(t, compensationFailures)

			// every transfer that did happen was reversed
			requireCustodyMatches(t, pool, custodian)
			assert.True(t, bobX.Eq(custodian.BalanceOf(assetX, bob)))
			assert.True(t, bobY.Eq(custodian.BalanceOf(assetY, bob)))
			assert.True(t, aliceX.Eq(custodian.BalanceOf(assetX, alice)))
			assert.True(t, aliceY.Eq(custodian.BalanceOf(assetY, alice)))
		})
	}
}

func TestPool_Overflow(t *testing.T) {
	ctx := context.Background()
	pool, custodian := newTestPool(t)

	huge := new(uint256.Int).Lsh(u(1), 255)
	require.NoError(t, custodian.Credit(assetX, carol, huge))

	_, err := pool.Deposit(ctx, carol, huge, u(1))
	require.NoError(t, err)
	before := pool.Snapshot()

	// a second deposit of the same size mints fine but pushes reserveX past 2^256
	_, err = pool.Deposit(ctx, carol, huge, u(1))
	require.ErrorIs(t, err, constantproduct.ErrOverflow)
	requireUnchanged(t, pool, before)
}

func TestPool_WideBootstrapDeposit(t *testing.T) {
	ctx := context.Background()
	pool, custodian := newTestPool(t)

	// amountX * amountY is 2^258, but the minted claims and both reserves fit
	amount := new(uint256.Int).Lsh(u(1), 129)
	require.NoError(t, custodian.Credit(assetX, carol, amount))
	require.NoError(t, custodian.Credit(assetY, carol, amount))

	minted, err := pool.Deposit(ctx, carol, amount, amount)
	require.NoError(t, err)
	assert.True(t, amount.Eq(minted), "minted %s", minted.Dec())
	assert.True(t, amount.Eq(pool.BalanceOf(carol)))
	assert.True(t, amount.Eq(pool.TotalClaims()))
	requireCustodyMatches(t, pool, custodian)
}

func TestPool_Quotes(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	_, err := pool.QuoteSwap(constantproduct.XForY, u(100))
	require.ErrorIs(t, err, constantproduct.ErrNoLiquidity)
	_, err = pool.GetPrice()
	require.ErrorIs(t, err, constantproduct.ErrNoLiquidity)

	_, err = pool.Deposit(ctx, alice, u(1000), u(1000))
	require.NoError(t, err)
	before := pool.Snapshot()

	quoted, err := pool.QuoteSwap(constantproduct.XForY, u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(90), quoted.Uint64())
	requireUnchanged(t, pool, before)

	_, err = pool.QuoteSwap(constantproduct.YForX, u(0))
	require.ErrorIs(t, err, constantproduct.ErrInvalidAmount)

	out, err := pool.GetAmountOut(u(100), u(1000), u(1000))
	require.NoError(t, err)
	assert.Equal(t, quoted, out)

	_, err = pool.GetAmountOut(u(100), u(0), u(1000))
	require.ErrorIs(t, err, constantproduct.ErrInsufficientLiquidity)

	swapped, err := pool.SwapXForY(ctx, bob, u(100))
	require.NoError(t, err)
	assert.Equal(t, quoted, swapped)
}

func TestPool_Proportionality(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	_, err := pool.Deposit(ctx, alice, u(1000), u(3000))
	require.NoError(t, err)

	first, err := pool.Deposit(ctx, bob, u(100), u(300))
	require.NoError(t, err)
	second, err := pool.Deposit(ctx, carol, u(100), u(300))
	require.NoError(t, err)

	assert.Equal(t, uint64(173), first.Uint64())
	assert.Equal(t, first, second)
}

func TestPool_RoundTripNeverProfits(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		pool, _ := newTestPool(t)
		_, err := pool.Deposit(ctx, alice, u(1+rng.Uint64()%1_000_000), u(1+rng.Uint64()%1_000_000))
		require.NoError(t, err)

		a, b := u(1+rng.Uint64()%1_000_000), u(1+rng.Uint64()%1_000_000)
		minted, err := pool.Deposit(ctx, bob, a, b)
		if errors.Is(err, constantproduct.ErrInsufficientMintedClaims) {
			continue
		}
		require.NoError(t, err)

		outX, outY, err := pool.Withdraw(ctx, bob, minted)
		if errors.Is(err, constantproduct.ErrInsufficientLiquidity) {
			continue
		}
		require.NoError(t, err)
		assert.False(t, outX.Gt(a), "withdrew %s X after depositing %s", outX.Dec(), a.Dec())
		assert.False(t, outY.Gt(b), "withdrew %s Y after depositing %s", outY.Dec(), b.Dec())
	}
}

func TestPool_RandomOperationsPreserveInvariants(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	pool, custodian := newTestPool(t)
	holders := []common.Address{alice, bob, carol}

	for i := 0; i < 2000; i++ {
		holder := holders[rng.Intn(len(holders))]
		before := pool.View()

		switch rng.Intn(3) {
		case 0:
			_, err := pool.Deposit(ctx, holder, u(1+rng.Uint64()%100_000), u(1+rng.Uint64()%100_000))
			if err != nil {
				require.ErrorIs(t, err, constantproduct.ErrInsufficientMintedClaims)
			}
		case 1:
			balance := pool.BalanceOf(holder)
			if balance.IsZero() {
				continue
			}
			claims := u(1 + rng.Uint64()%balance.Uint64())
			_, _, err := pool.Withdraw(ctx, holder, claims)
			if err != nil {
				require.ErrorIs(t, err, constantproduct.ErrInsufficientLiquidity)
			}
		case 2:
			dir := constantproduct.Direction(rng.Intn(2))
			_, err := pool.Swap(ctx, holder, dir, u(1+rng.Uint64()%50_000))
			if err != nil {
				require.True(t, errors.Is(err, constantproduct.ErrNoLiquidity) || errors.Is(err, constantproduct.ErrInsufficientOutput), "unexpected error: %v", err)
				break
			}
			after := pool.View()
			productBefore := new(big.Int).Mul(before.ReserveX.ToBig(), before.ReserveY.ToBig())
			productAfter := new(big.Int).Mul(after.ReserveX.ToBig(), after.ReserveY.ToBig())
			require.True(t, productAfter.Cmp(productBefore) > 0, "product fell from %s to %s", productBefore, productAfter)
		}

		requireInvariant(t, pool)
		requireCustodyMatches(t, pool, custodian)
	}
}

func TestPool_ConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	pool, custodian := newTestPool(t)
	_, err := pool.Deposit(ctx, alice, u(1_000_000), u(1_000_000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, holder := range []common.Address{alice, bob, carol} {
		wg.Add(1)
		go func(holder common.Address) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				switch i % 4 {
				case 0:
					_, _ = pool.Deposit(ctx, holder, u(1000), u(1000))
				case 1:
					_, _ = pool.SwapXForY(ctx, holder, u(500))
				case 2:
					_, _ = pool.SwapYForX(ctx, holder, u(700))
				case 3:
					if balance := pool.BalanceOf(holder); !balance.IsZero() {
						_, _, _ = pool.Withdraw(ctx, holder, new(uint256.Int).Rsh(balance, 1))
					}
				}
				_ = pool.View()
				_, _ = pool.GetPrice()
			}
		}(holder)
	}
	wg.Wait()

	requireInvariant(t, pool)
	requireCustodyMatches(t, pool, custodian)
}

func TestPool_EventsReplayToView(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	records := make(chan constantproduct.Record, 16)
	sub := pool.SubscribeEvents(records)
	defer sub.Unsubscribe()

	_, err := pool.Deposit(ctx, alice, u(1000), u(1000))
	require.NoError(t, err)
	_, err = pool.SwapXForY(ctx, bob, u(100))
	require.NoError(t, err)
	_, err = pool.SwapXForY(ctx, bob, u(0))
	require.Error(t, err)
	_, _, err = pool.Withdraw(ctx, alice, u(250))
	require.NoError(t, err)

	var received []constantproduct.Record
	for len(received) < 3 {
		select {
		case rec := <-records:
			received = append(received, rec)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d records", len(received))
		}
	}

	assert.Equal(t, uint64(1), received[0].Seq)
	assert.Equal(t, constantproduct.EventLiquidityAdded, received[0].Event.Type())
	assert.Equal(t, uint64(2), received[1].Seq)
	assert.Equal(t, constantproduct.Swap{Caller: bob, AmountIn: u(100), AmountOut: u(90), Direction: constantproduct.XForY}, received[1].Event)
	assert.Equal(t, uint64(3), received[2].Seq)
	assert.Equal(t, constantproduct.LiquidityRemoved{Holder: alice, AmountX: u(275), AmountY: u(227), ClaimsBurned: u(250)}, received[2].Event)

	replayed, err := constantproduct.PatchAll(constantproduct.NewPoolView(pool.Name(), assetX, assetY), received)
	require.NoError(t, err)
	assert.Equal(t, pool.View(), replayed)
}

func TestPool_ConcurrentEventsArriveInOrder(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)
	_, err := pool.Deposit(ctx, alice, u(1_000_000), u(1_000_000))
	require.NoError(t, err)

	records := make(chan constantproduct.Record, 8)
	view, sub := pool.Subscribe(records)
	defer sub.Unsubscribe()
	require.Equal(t, uint64(1), view.Seq)

	var wg sync.WaitGroup
	for _, holder := range []common.Address{bob, carol} {
		wg.Add(1)
		go func(holder common.Address) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = pool.SwapXForY(ctx, holder, u(100))
			}
		}(holder)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	next := view.Seq + 1
	for next <= 101 {
		select {
		case rec := <-records:
			require.Equal(t, next, rec.Seq)
			view, err = constantproduct.Patch(view, rec)
			require.NoError(t, err)
			next++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for seq %d", next)
		}
	}
	<-done
	assert.Equal(t, pool.View(), view)
}

func TestPool_StalledSubscriberDoesNotBlockWriters(t *testing.T) {
	pool, _ := newTestPool(t)

	stalled := make(chan constantproduct.Record) // never read
	stalledSub := pool.subscribe(stalled, 2)
	defer stalledSub.Unsubscribe()

	healthy := make(chan constantproduct.Record, 16)
	healthySub := pool.SubscribeEvents(healthy)
	defer healthySub.Unsubscribe()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := pool.Deposit(ctx, alice, u(1000), u(1000)); err != nil {
			done <- err
			return
		}
		for i := 0; i < 5; i++ {
			if _, err := pool.SwapXForY(ctx, bob, u(100)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("operations blocked behind a subscriber that never reads")
	}

	select {
	case err := <-stalledSub.Err():
		require.ErrorIs(t, err, ErrSubscriberTooSlow)
	case <-time.After(time.Second):
		t.Fatal("stalled subscriber was not dropped")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(pool.metrics.droppedSubscribers))

	for seq := uint64(1); seq <= 6; seq++ {
		select {
		case rec := <-healthy:
			require.Equal(t, seq, rec.Seq)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", seq)
		}
	}
	assert.Equal(t, uint64(6), pool.View().Seq)
}

func TestPool_Metrics(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t)

	_, err := pool.Deposit(ctx, alice, u(1000), u(500))
	require.NoError(t, err)
	_, err = pool.SwapXForY(ctx, bob, u(0))
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(pool.metrics.operationsTotal.WithLabelValues(opDeposit, "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pool.metrics.operationsTotal.WithLabelValues(opSwap, "invalid_amount")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(pool.metrics.reserve.WithLabelValues("x")))
	assert.Equal(t, float64(500), testutil.ToFloat64(pool.metrics.reserve.WithLabelValues("y")))
	assert.Equal(t, float64(707), testutil.ToFloat64(pool.metrics.totalClaims))
}
