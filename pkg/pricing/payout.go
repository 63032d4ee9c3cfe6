// Package pricing turns usage events into payouts. All arithmetic is on
// arbitrary precision integers and exact rationals.
package pricing

import (
	"errors"
	"math/big"

	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/utils"
)

// ErrNotServable means an onlyShowIf gate failed: the event must be rejected,
// not priced at zero.
var ErrNotServable = errors.New("pricing: event not servable under targeting rules")

// Payout is what a single event earns and for whom.
type Payout struct {
	Key    string
	Amount *big.Int
}

// Bounds returns the [min, max] price for evType. ok is false for types that
// never pay.
func Bounds(ch *types.Channel, evType string) (min, max *big.Int, ok bool) {
	if b, found := ch.Spec.PricingBounds[evType]; found {
		return b.Min.Value(), b.Max.Value(), true
	}
	switch evType {
	case types.EventImpression:
		min, max = big.NewInt(1), big.NewInt(1)
		if ch.Spec.MinPerImpression != nil {
			min = ch.Spec.MinPerImpression.Value()
		}
		if ch.Spec.MaxPerImpression != nil {
			max = ch.Spec.MaxPerImpression.Value()
		}
		return min, max, true
	case types.EventClick:
		return new(big.Int), new(big.Int), true
	}
	return nil, nil, false
}

// Compute prices ev for ch. A nil Payout with a nil error means the event is
// not payable (no beneficiary, or a type without a price).
func Compute(ch *types.Channel, ev types.Event, sess types.Session) (*Payout, error) {
	if ev.Type != types.EventImpression && ev.Type != types.EventClick {
		return nil, nil
	}
	key, ok := outpace.BalanceKey(ev.Publisher)
	if !ok {
		return nil, nil
	}
	min, max, ok := Bounds(ch, ev.Type)
	if !ok {
		return nil, nil
	}

	var price *big.Int
	if rules := ch.EffectiveTargetingRules(); len(rules) > 0 {
		p, err := applyTargeting(rules, NewInput(ev, sess), ev.Type, min)
		if err != nil {
			return nil, err
		}
		price = clamp(p, min, max)
	} else if rules := ch.EffectivePriceMultiplicationRules(); len(rules) > 0 {
		price = applyMultiplication(rules, ev, sess, min, max)
	} else {
		price = new(big.Int).Set(min)
	}
	return &Payout{Key: key, Amount: price}, nil
}

func applyMultiplication(rules []types.PriceMultiplicationRule, ev types.Event, sess types.Session, min, max *big.Int) *big.Int {
	var matching []types.PriceMultiplicationRule
	for _, r := range rules {
		if ruleMatches(r, ev, sess) {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return new(big.Int).Set(min)
	}
	for _, r := range matching {
		if r.Amount != nil {
			return minInt(r.Amount.Value(), max)
		}
	}
	product := new(big.Rat).SetInt(min)
	for _, r := range matching {
		if r.Multiplier != nil && r.Multiplier.Rat != nil {
			product.Mul(product, r.Multiplier.Rat)
		}
	}
	price := new(big.Int).Quo(product.Num(), product.Denom())
	return minInt(price, max)
}

// ruleMatches treats a rule as a conjunction of its present predicates.
func ruleMatches(r types.PriceMultiplicationRule, ev types.Event, sess types.Session) bool {
	checks := []struct {
		list  []string
		value string
	}{
		{r.EventType, ev.Type},
		{r.Publisher, ev.Publisher},
		{r.OsType, sess.OS},
		{r.Country, sess.Country},
	}
	for _, c := range checks {
		if len(c.list) == 0 {
			continue
		}
		if c.value == "" || !utils.ContainsFold(c.list, c.value) {
			return false
		}
	}
	return true
}

func clamp(v, min, max *big.Int) *big.Int {
	if v.Cmp(min) < 0 {
		return new(big.Int).Set(min)
	}
	return minInt(v, max)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) > 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}
