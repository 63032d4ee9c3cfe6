package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidAmount = errors.New("types: invalid amount")

// ParseAmount parses a non-negative base-10 integer. Signs, spaces and
// exponent notation are rejected.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return n, nil
}

// BigInt is a non-negative integer carried on the wire as a decimal string.
type BigInt struct {
	*big.Int
}

func NewBigInt(v int64) BigInt {
	return BigInt{big.NewInt(v)}
}

func MustBigInt(s string) BigInt {
	n, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return BigInt{n}
}

// Value never returns nil.
func (b BigInt) Value() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return b.Int
}

func (b BigInt) IsSet() bool { return b.Int != nil }

func (b BigInt) String() string { return b.Value().String() }

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Value().String())
}

// UnmarshalJSON accepts both "123" and 123.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		b.Int = nil
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	n, err := ParseAmount(s)
	if err != nil {
		return err
	}
	b.Int = n
	return nil
}

// Ratio is an exact non-negative rational used for price multipliers.
// It decodes from JSON numbers or strings ("1.5", "3/2") without going
// through float64.
type Ratio struct {
	*big.Rat
}

func MustRatio(s string) *Ratio {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		panic(fmt.Sprintf("invalid ratio %q", s))
	}
	return &Ratio{r}
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	if r.Rat == nil {
		return []byte("null"), nil
	}
	if r.IsInt() {
		return json.Marshal(r.Num().String())
	}
	return json.Marshal(r.RatString())
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	if !plainRatio(s) {
		return fmt.Errorf("types: invalid multiplier %q", s)
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("types: invalid multiplier %q", s)
	}
	r.Rat = v
	return nil
}

// maxRatioLen bounds multipliers so parsing stays cheap.
const maxRatioLen = 64

// plainRatio accepts decimals and fractions only. Exponents would let a
// short input expand into an enormous number.
func plainRatio(s string) bool {
	if s == "" || len(s) > maxRatioLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != '.' && c != '/' {
			return false
		}
	}
	return true
}
