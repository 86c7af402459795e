// Package server exposes a pool over go-ethereum JSON-RPC under the "amm" namespace.
package server

import (
	"context"
	"errors"
	"time"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

const (
	// Namespace is the namespace under which the pool API is registered.
	Namespace = "amm"
	// EventsSubscriptionMethod is the subscription name passed to amm_subscribe.
	EventsSubscriptionMethod = "subscribeEvents"

	// MessageFull carries a complete PoolView.
	MessageFull = "full"
	// MessageEvent carries one Record.
	MessageEvent = "event"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pool is the pool surface served over RPC. *engine.Pool satisfies it.
type Pool interface {
	Deposit(ctx context.Context, holder common.Address, amountX, amountY *uint256.Int) (*uint256.Int, error)
	Withdraw(ctx context.Context, holder common.Address, claims *uint256.Int) (*uint256.Int, *uint256.Int, error)
	Swap(ctx context.Context, caller common.Address, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error)

	GetReserves() (*uint256.Int, *uint256.Int)
	GetPrice() (*uint256.Int, error)
	GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error)
	QuoteSwap(dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error)
	BalanceOf(holder common.Address) *uint256.Int
	View() constantproduct.PoolView
	Snapshot() constantproduct.Snapshot
	Subscribe(ch chan<- constantproduct.Record) (constantproduct.PoolView, event.Subscription)
}

// Config holds the configuration for the RPC API.
type Config struct {
	Pool   Pool
	Logger Logger
	// BufferSize is the per-subscriber record buffer.
	BufferSize uint
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.Pool == nil {
		return errors.New("config: Pool is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	return nil
}

// Message is the wrapper object sent to subscribers.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	SentAt  int64  `json:"sentAt"`
}

// EventPayload is the payload of a MessageEvent.
type EventPayload struct {
	Seq   uint64                    `json:"seq"`
	Type  constantproduct.EventType `json:"type"`
	Event constantproduct.Event     `json:"event"`
}

// Reserves is the result of amm_getReserves.
type Reserves struct {
	ReserveX *uint256.Int `json:"reserveX"`
	ReserveY *uint256.Int `json:"reserveY"`
}

// Withdrawal is the result of amm_withdraw.
type Withdrawal struct {
	AmountX *uint256.Int `json:"amountX"`
	AmountY *uint256.Int `json:"amountY"`
}

// API implements the amm namespace.
type API struct {
	pool       Pool
	logger     Logger
	bufferSize uint
}

// NewAPI creates the RPC receiver for cfg.Pool.
func NewAPI(cfg Config) (*API, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &API{
		pool:       cfg.Pool,
		logger:     cfg.Logger,
		bufferSize: cfg.BufferSize,
	}, nil
}

// NewServer creates an RPC server with the pool API registered under Namespace.
func NewServer(cfg Config) (*rpc.Server, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, api); err != nil {
		return nil, err
	}
	return srv, nil
}

// --- Queries ---

func (api *API) GetReserves() Reserves {
	x, y := api.pool.GetReserves()
	return Reserves{ReserveX: x, ReserveY: y}
}

func (api *API) GetPrice() (*uint256.Int, error) {
	price, err := api.pool.GetPrice()
	return price, toRPCError(err)
}

func (api *API) GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	out, err := api.pool.GetAmountOut(amountIn, reserveIn, reserveOut)
	return out, toRPCError(err)
}

func (api *API) QuoteSwap(dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	out, err := api.pool.QuoteSwap(dir, amountIn)
	return out, toRPCError(err)
}

func (api *API) BalanceOf(holder common.Address) *uint256.Int {
	return api.pool.BalanceOf(holder)
}

func (api *API) GetView() constantproduct.PoolView {
	return api.pool.View()
}

func (api *API) GetSnapshot() constantproduct.Snapshot {
	return api.pool.Snapshot()
}

// --- Operations ---

func (api *API) Deposit(ctx context.Context, holder common.Address, amountX, amountY *uint256.Int) (*uint256.Int, error) {
	minted, err := api.pool.Deposit(ctx, holder, amountX, amountY)
	return minted, toRPCError(err)
}

func (api *API) Withdraw(ctx context.Context, holder common.Address, claims *uint256.Int) (*Withdrawal, error) {
	x, y, err := api.pool.Withdraw(ctx, holder, claims)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &Withdrawal{AmountX: x, AmountY: y}, nil
}

func (api *API) Swap(ctx context.Context, caller common.Address, dir constantproduct.Direction, amountIn *uint256.Int) (*uint256.Int, error) {
	out, err := api.pool.Swap(ctx, caller, dir, amountIn)
	return out, toRPCError(err)
}

// --- Subscription ---

// SubscribeEvents sends the current view as a "full" message, then one "event" message per
// committed record that the view does not already reflect.
func (api *API) SubscribeEvents(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}

	rpcSub := notifier.CreateSubscription()
	records := make(chan constantproduct.Record, api.bufferSize)
	view, sub := api.pool.Subscribe(records)

	go func() {
		defer sub.Unsubscribe()

		if err := notifier.Notify(rpcSub.ID, Message{Type: MessageFull, Payload: view, SentAt: time.Now().UnixNano()}); err != nil {
			api.logger.Warn("Failed to send full view, dropping subscriber", "subscription", rpcSub.ID, "error", err)
			return
		}
		api.logger.Debug("Subscriber attached", "subscription", rpcSub.ID, "seq", view.Seq)

		for {
			select {
			case rec := <-records:
				if rec.Seq <= view.Seq {
					continue
				}
				msg := Message{
					Type:    MessageEvent,
					Payload: EventPayload{Seq: rec.Seq, Type: rec.Event.Type(), Event: rec.Event},
					SentAt:  time.Now().UnixNano(),
				}
				if err := notifier.Notify(rpcSub.ID, msg); err != nil {
					api.logger.Warn("Failed to notify subscriber, dropping", "subscription", rpcSub.ID, "seq", rec.Seq, "error", err)
					return
				}
			case <-rpcSub.Err():
				api.logger.Debug("Subscriber detached", "subscription", rpcSub.ID)
				return
			case err := <-sub.Err():
				if err != nil {
					api.logger.Warn("Pool dropped subscriber", "subscription", rpcSub.ID, "error", err)
				}
				return
			}
		}
	}()

	return rpcSub, nil
}
