package constantproduct

import "errors"

// All pool failures are caller-correctable precondition failures. Every error returned
// by the calculator or the engine wraps exactly one of these.
var (
	// ErrInvalidAmount is returned when a supplied amount is zero or otherwise out of domain.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrNoLiquidity is returned when an operation needs an active pool and the pool is empty.
	ErrNoLiquidity = errors.New("pool has no liquidity")
	// ErrInsufficientLiquidity is returned when a computed price or withdrawal share truncates to zero,
	// or when a requested output cannot be covered by the reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrInsufficientMintedClaims is returned when a deposit would mint zero claims.
	ErrInsufficientMintedClaims = errors.New("insufficient claims minted")
	// ErrInsufficientOutput is returned when a swap would pay out zero.
	ErrInsufficientOutput = errors.New("insufficient output amount")
	// ErrInsufficientBalance is returned when a holder burns more claims than they hold.
	ErrInsufficientBalance = errors.New("insufficient claim balance")
	// ErrTransferFailed is returned when the custody collaborator declines a pull or push.
	ErrTransferFailed = errors.New("asset transfer failed")

	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrInvalidState is returned for reserve/claim combinations that cannot occur in a healthy pool.
	ErrInvalidState = errors.New("invalid pool state")
	// ErrInvalidDirection is returned for an unknown swap direction.
	ErrInvalidDirection = errors.New("invalid swap direction")
	// ErrOutOfOrder is returned when an event does not directly follow the view it is applied to.
	ErrOutOfOrder = errors.New("event out of order")
)

// Stable numeric codes, exposed to RPC clients.
const (
	CodeUnknown = 1000 + iota
	CodeInvalidAmount
	CodeNoLiquidity
	CodeInsufficientLiquidity
	CodeInsufficientMintedClaims
	CodeInsufficientOutput
	CodeInsufficientBalance
	CodeTransferFailed
	CodeNilAmount
	CodeOverflow
	CodeInvalidState
	CodeInvalidDirection
	CodeOutOfOrder
)

var errorCodes = []struct {
	err  error
	code int
}{
	// ErrTransferFailed comes first: a transfer failure may also carry a custody cause.
	{ErrTransferFailed, CodeTransferFailed},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrNoLiquidity, CodeNoLiquidity},
	{ErrInsufficientLiquidity, CodeInsufficientLiquidity},
	{ErrInsufficientMintedClaims, CodeInsufficientMintedClaims},
	{ErrInsufficientOutput, CodeInsufficientOutput},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrNilAmount, CodeNilAmount},
	{ErrOverflow, CodeOverflow},
	{ErrInvalidState, CodeInvalidState},
	{ErrInvalidDirection, CodeInvalidDirection},
	{ErrOutOfOrder, CodeOutOfOrder},
}

// Code returns the numeric code of the first taxonomy error found in err's chain,
// or CodeUnknown.
func Code(err error) int {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// FromCode returns the taxonomy error for code, or nil if the code is unknown.
func FromCode(code int) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}
