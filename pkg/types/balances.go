package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Balances maps a beneficiary to an amount in the deposit asset's base units.
type Balances map[string]*big.Int

func (b Balances) Get(key string) *big.Int {
	if v, ok := b[key]; ok && v != nil {
		return v
	}
	return new(big.Int)
}

// Add increments key by amount. The stored value is never aliased with amount.
func (b Balances) Add(key string, amount *big.Int) {
	cur, ok := b[key]
	if !ok || cur == nil {
		b[key] = new(big.Int).Set(amount)
		return
	}
	cur.Add(cur, amount)
}

func (b Balances) Sum() *big.Int {
	total := new(big.Int)
	for _, v := range b {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		if v == nil {
			out[k] = new(big.Int)
			continue
		}
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// Keys returns the keys in ascending order.
func (b Balances) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b Balances) Equal(o Balances) bool {
	if len(b) != len(o) {
		return false
	}
	for k := range b {
		if _, ok := o[k]; !ok || b.Get(k).Cmp(o.Get(k)) != 0 {
			return false
		}
	}
	return true
}

func (b Balances) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(b))
	for k, v := range b {
		if v == nil {
			out[k] = "0"
			continue
		}
		out[k] = v.String()
	}
	return json.Marshal(out)
}

func (b *Balances) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("types: balances must map keys to decimal strings: %w", err)
	}
	out := make(Balances, len(raw))
	for k, s := range raw {
		if k == "" {
			return fmt.Errorf("%w: empty balance key", ErrInvalidAmount)
		}
		n, err := ParseAmount(s)
		if err != nil {
			return fmt.Errorf("balance %s: %w", k, err)
		}
		out[k] = n
	}
	*b = out
	return nil
}
