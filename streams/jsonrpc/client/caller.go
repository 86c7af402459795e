package client

import (
	"context"
	"errors"
	"fmt"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

// Caller issues typed request/response calls against a pool server.
// Errors carrying a pool error code are mapped back onto the constantproduct sentinels,
// so errors.Is works across the wire.
type Caller struct {
	rpc *rpc.Client
}

// Dial connects to a pool server.
func Dial(ctx context.Context, url string) (*Caller, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewCaller(c), nil
}

// NewCaller wraps an existing RPC client.
func NewCaller(c *rpc.Client) *Caller {
	return &Caller{rpc: c}
}

// Close closes the underlying connection.
func (c *Caller) Close() {
	c.rpc.Close()
}

func (c *Caller) GetReserves(ctx context.Context) (reserveX, reserveY *uint256.Int, err error) {
	var res reserves
	if err := c.call(ctx, &res, "getReserves"); err != nil {
		return nil, nil, err
	}
	return res.ReserveX, res.ReserveY, nil
}

func (c *Caller) GetPrice(ctx context.Context) (*uint256.Int, error) {
	return c.callAmount(ctx, "getPrice")
}

func (c *Caller) GetAmountOut(ctx context.Context, amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	return c.callAmount(ctx, "getAmountOut", amountIn, reserveIn, reserveOut)
}

func (c *Caller) QuoteSwap(ctx context.Context, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	return c.callAmount(ctx, "quoteSwap", dir, amountIn)
}

func (c *Caller) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	return c.callAmount(ctx, "balanceOf", holder)
}

func (c *Caller) GetView(ctx context.Context) (constantproduct.PoolView, error) {
	var view constantproduct.PoolView
	if err := c.call(ctx, &view, "getView"); err != nil {
		return constantproduct.PoolView{}, err
	}
	return view, nil
}

func (c *Caller) GetSnapshot(ctx context.Context) (constantproduct.Snapshot, error) {
	var snap constantproduct.Snapshot
	if err := c.call(ctx, &snap, "getSnapshot"); err != nil {
		return constantproduct.Snapshot{}, err
	}
	return snap, nil
}

func (c *Caller) Deposit(ctx context.Context, holder common.Address, amountX, amountY *uint256.Int) (*uint256.Int, error) {
	return c.callAmount(ctx, "deposit", holder, amountX, amountY)
}

func (c *Caller) Withdraw(ctx context.Context, holder common.Address, claims *uint256.Int) (amountX, amountY *uint256.Int, err error) {
	var res withdrawal
	if err := c.call(ctx, &res, "withdraw", holder, claims); err != nil {
		return nil, nil, err
	}
	return res.AmountX, res.AmountY, nil
}

func (c *Caller) Swap(ctx context.Context, caller common.Address, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	return c.callAmount(ctx, "swap", caller, dir, amountIn)
}

func (c *Caller) callAmount(ctx context.Context, method string, args ...any) (*uint256.Int, error) {
	var amount uint256.Int
	if err := c.call(ctx, &amount, method, args...); err != nil {
		return nil, err
	}
	return &amount, nil
}

func (c *Caller) call(ctx context.Context, result any, method string, args ...any) error {
	return fromRPCError(c.rpc.CallContext(ctx, result, RpcNamespace+"_"+method, args...))
}

// fromRPCError restores the sentinel identity of a coded server error.
func fromRPCError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if sentinel := constantproduct.FromCode(rpcErr.ErrorCode()); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, rpcErr.Error())
		}
	}
	return err
}
