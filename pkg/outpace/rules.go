package outpace

import (
	"math/big"

	"github.com/outpace-network/validatorx/pkg/types"
)

// RejectReason is carried in RejectState messages.
type RejectReason string

const (
	InvalidRootHash   RejectReason = "InvalidRootHash"
	InvalidSignature  RejectReason = "InvalidSignature"
	InvalidTransition RejectReason = "InvalidTransition"
	TooLowHealth      RejectReason = "TooLowHealth"
)

// MaxHealth means both views are identical.
const MaxHealth = 1000

// IsValidTransition enforces the OUTPACE rule: no entry of prev may be missing
// or smaller in next, and next may not exceed the deposit.
func IsValidTransition(ch *types.Channel, prev, next types.Balances) bool {
	if next.Sum().Cmp(ch.Deposit()) > 0 {
		return false
	}
	for k, v := range prev {
		nv, ok := next[k]
		if !ok || nv == nil {
			return false
		}
		if v != nil && nv.Cmp(v) < 0 {
			return false
		}
	}
	return true
}

// HealthPromilles scores how closely proposed matches ours, 0..1000.
// The absolute difference of every entry over the union of keys is summed
// and expressed as a share of the deposit.
func HealthPromilles(ch *types.Channel, ours, proposed types.Balances) int64 {
	deposit := ch.Deposit()
	if deposit.Sign() <= 0 {
		return 0
	}
	diff := new(big.Int)
	tmp := new(big.Int)
	for k := range ours {
		tmp.Sub(ours.Get(k), proposed.Get(k))
		diff.Add(diff, tmp.Abs(tmp))
	}
	for k := range proposed {
		if _, ok := ours[k]; ok {
			continue
		}
		diff.Add(diff, proposed.Get(k))
	}
	penalty := new(big.Int).Mul(diff, big.NewInt(MaxHealth))
	penalty.Quo(penalty, deposit)
	if penalty.Cmp(big.NewInt(MaxHealth)) >= 0 {
		return 0
	}
	return MaxHealth - penalty.Int64()
}

// IsExhausted reports whether balances consume the whole deposit.
func IsExhausted(ch *types.Channel, balances types.Balances) bool {
	return balances.Sum().Cmp(ch.Deposit()) == 0
}
