package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/outpace-network/validatorx/pkg/types"
)

var (
	ErrUndefined    = errors.New("pricing: undefined attribute")
	ErrTypeMismatch = errors.New("pricing: type mismatch")
)

// Input is the attribute record targeting expressions read through get.
type Input map[string]string

func NewInput(ev types.Event, sess types.Session) Input {
	in := Input{}
	set := func(k, v string) {
		if v != "" {
			in[k] = v
		}
	}
	set("eventType", ev.Type)
	set("publisherId", ev.Publisher)
	set("adUnitId", ev.AdUnit)
	set("adSlotId", ev.AdSlot)
	set("country", sess.Country)
	set("osType", sess.OS)
	set("referrerHostname", sess.ReferrerHostname)
	set("uid", sess.UID)
	return in
}

type kind int

const (
	kindString kind = iota
	kindBool
	kindBig
)

type value struct {
	kind kind
	s    string
	b    bool
	n    *big.Int
}

// eval evaluates e against in.
func eval(e types.Expr, in Input) (value, error) {
	switch x := e.(type) {
	case types.StringLit:
		return value{kind: kindString, s: x.Value}, nil
	case types.BoolLit:
		return value{kind: kindBool, b: x.Value}, nil
	case types.BigLit:
		if x.Value == nil {
			return value{kind: kindBig, n: new(big.Int)}, nil
		}
		return value{kind: kindBig, n: x.Value}, nil
	case types.Get:
		v, ok := in[x.Attr]
		if !ok {
			return value{}, fmt.Errorf("%w: %s", ErrUndefined, x.Attr)
		}
		return value{kind: kindString, s: v}, nil
	case types.Eq:
		a, err := eval(x.Left, in)
		if err != nil {
			return value{}, err
		}
		b, err := eval(x.Right, in)
		if err != nil {
			return value{}, err
		}
		if a.kind != b.kind {
			return value{}, fmt.Errorf("%w: eq", ErrTypeMismatch)
		}
		switch a.kind {
		case kindString:
			return value{kind: kindBool, b: a.s == b.s}, nil
		case kindBool:
			return value{kind: kindBool, b: a.b == b.b}, nil
		default:
			return value{kind: kindBool, b: a.n.Cmp(b.n) == 0}, nil
		}
	case types.StartsWith:
		a, err := eval(x.Subject, in)
		if err != nil {
			return value{}, err
		}
		b, err := eval(x.Prefix, in)
		if err != nil {
			return value{}, err
		}
		if a.kind != kindString || b.kind != kindString {
			return value{}, fmt.Errorf("%w: startsWith", ErrTypeMismatch)
		}
		return value{kind: kindBool, b: strings.HasPrefix(a.s, b.s)}, nil
	}
	return value{}, fmt.Errorf("%w: unknown expression %T", ErrTypeMismatch, e)
}

func evalCondition(e types.Expr, in Input) (bool, error) {
	v, err := eval(e, in)
	if err != nil {
		return false, err
	}
	if v.kind != kindBool {
		return false, fmt.Errorf("%w: condition is not boolean", ErrTypeMismatch)
	}
	return v.b, nil
}

// applyTargeting runs rules in order and returns the price assigned to the
// event's type. A condition that cannot be evaluated does not match; an
// onlyShowIf that cannot be evaluated fails.
func applyTargeting(rules []types.TargetingRule, in Input, evType string, start *big.Int) (*big.Int, error) {
	field := types.PriceField(evType)
	output := map[string]*big.Int{field: new(big.Int).Set(start)}

	for _, r := range rules {
		if r.OnlyShowIf != nil {
			ok, err := evalCondition(r.OnlyShowIf, in)
			if err != nil || !ok {
				return nil, ErrNotServable
			}
			continue
		}
		if r.If == nil || r.Then == nil {
			continue
		}
		ok, err := evalCondition(r.If, in)
		if err != nil || !ok {
			continue
		}
		v, err := eval(r.Then.Value, in)
		if err != nil || v.kind != kindBig {
			continue
		}
		output[r.Then.Field] = new(big.Int).Set(v.n)
	}
	return output[field], nil
}
