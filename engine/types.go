package engine

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Custodian moves the traded assets in and out of pool custody.
//
// CONTRACT:
//  1. Atomicity: each call either moves the full amount or moves nothing and returns an error.
//  2. No retries: the pool never retries a failed call; retry policy belongs to the caller.
//  3. No re-entry: implementations MUST NOT call back into the pool that invoked them.
type Custodian interface {
	// Pull moves amount of asset from the given account into pool custody.
	Pull(ctx context.Context, asset, from common.Address, amount *uint256.Int) error
	// Push moves amount of asset from pool custody to the given account.
	Push(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}

// Config holds the configuration for a pool.
type Config struct {
	// Name labels the pool in logs and metrics. Defaults to "<assetX>/<assetY>".
	Name      string
	AssetX    common.Address
	AssetY    common.Address
	Custodian Custodian
	Logger    Logger
	Registry  prometheus.Registerer
	// EventBufferSize bounds how far a subscriber may fall behind before it is dropped.
	// Defaults to DefaultEventBufferSize.
	EventBufferSize uint
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.AssetX == (common.Address{}) || c.AssetY == (common.Address{}) {
		return errors.New("config: AssetX and AssetY are required")
	}
	if c.AssetX == c.AssetY {
		return errors.New("config: AssetX and AssetY must differ")
	}
	if c.Custodian == nil {
		return errors.New("config: Custodian is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return nil
}
