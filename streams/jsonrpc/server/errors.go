package server

import (
	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
)

// Error carries a pool error across JSON-RPC with its taxonomy code.
type Error struct {
	err  error
	code int
}

func (e *Error) Error() string { return e.err.Error() }

// ErrorCode implements rpc.Error.
func (e *Error) ErrorCode() int { return e.code }

// ErrorData implements rpc.DataError. It names the taxonomy error, if any.
func (e *Error) ErrorData() interface{} {
	if sentinel := constantproduct.FromCode(e.code); sentinel != nil {
		return sentinel.Error()
	}
	return nil
}

func (e *Error) Unwrap() error { return e.err }

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{err: err, code: constantproduct.Code(err)}
}
