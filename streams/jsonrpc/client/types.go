package client

import (
	"encoding/json"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/holiman/uint256"
)

// clientRecord mirrors the server's event payload but keeps the event body as raw bytes.
// The body is decoded later using Type.
type clientRecord struct {
	Seq   uint64                    `json:"seq"`
	Type  constantproduct.EventType `json:"type"`
	Event json.RawMessage           `json:"event"`
}

type reserves struct {
	ReserveX *uint256.Int `json:"reserveX"`
	ReserveY *uint256.Int `json:"reserveY"`
}

type withdrawal struct {
	AmountX *uint256.Int `json:"amountX"`
	AmountY *uint256.Int `json:"amountY"`
}
