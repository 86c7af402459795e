package constantproduct

import "fmt"

// Direction selects which reserve a swap takes input into.
type Direction uint8

const (
	// XForY sells asset X into the pool and receives asset Y.
	XForY Direction = iota
	// YForX sells asset Y into the pool and receives asset X.
	YForX
)

func (d Direction) Valid() bool {
	return d == XForY || d == YForX
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == XForY {
		return YForX
	}
	return XForY
}

func (d Direction) String() string {
	switch d {
	case XForY:
		return "xForY"
	case YForX:
		return "yForX"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// MarshalText encodes the direction as "xForY" or "yForX".
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, uint8(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText parses "xForY" or "yForX".
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection parses the text form of a direction. The short forms "x" and "y"
// name the input asset.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "xForY", "x":
		return XForY, nil
	case "yForX", "y":
		return YForX, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}
