package constantproduct

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType names a domain event on the wire.
type EventType string

const (
	EventLiquidityAdded   EventType = "liquidityAdded"
	EventLiquidityRemoved EventType = "liquidityRemoved"
	EventSwap             EventType = "swap"
)

// Event is a domain event emitted by a committed pool operation.
type Event interface {
	Type() EventType
}

// LiquidityAdded is emitted by a deposit. Field order is part of the external contract.
type LiquidityAdded struct {
	Holder       common.Address `json:"holder"`
	AmountX      *uint256.Int   `json:"amountX"`
	AmountY      *uint256.Int   `json:"amountY"`
	ClaimsMinted *uint256.Int   `json:"claimsMinted"`
}

func (LiquidityAdded) Type() EventType { return EventLiquidityAdded }

// LiquidityRemoved is emitted by a withdrawal. Field order is part of the external contract.
type LiquidityRemoved struct {
	Holder       common.Address `json:"holder"`
	AmountX      *uint256.Int   `json:"amountX"`
	AmountY      *uint256.Int   `json:"amountY"`
	ClaimsBurned *uint256.Int   `json:"claimsBurned"`
}

func (LiquidityRemoved) Type() EventType { return EventLiquidityRemoved }

// Swap is emitted by a swap. Field order is part of the external contract.
type Swap struct {
	Caller    common.Address `json:"caller"`
	AmountIn  *uint256.Int   `json:"amountIn"`
	AmountOut *uint256.Int   `json:"amountOut"`
	Direction Direction      `json:"direction"`
}

func (Swap) Type() EventType { return EventSwap }

// Record is an event stamped with the pool's sequence number. Sequence numbers start at 1
// and increase by one per committed operation.
type Record struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

// DecodeEvent decodes a wire payload into the concrete event for its type.
func DecodeEvent(t EventType, data json.RawMessage) (Event, error) {
	switch t {
	case EventLiquidityAdded:
		var ev LiquidityAdded
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", t, err)
		}
		return ev, nil
	case EventLiquidityRemoved:
		var ev LiquidityRemoved
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", t, err)
		}
		return ev, nil
	case EventSwap:
		var ev Swap
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", t, err)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("unknown event type: %q", t)
}
