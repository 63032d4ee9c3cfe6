package outpace

import (
	"fmt"
	"math/big"

	"github.com/outpace-network/validatorx/pkg/types"
)

// MergePayouts adds payouts into balances in key order, clamping each
// addition so the total never exceeds deposit. It returns the amount that
// could not be credited.
func MergePayouts(balances, payouts types.Balances, deposit *big.Int) (*big.Int, error) {
	remaining := new(big.Int).Sub(deposit, balances.Sum())
	if remaining.Sign() < 0 {
		return nil, fmt.Errorf("outpace: balances already exceed the deposit by %s", new(big.Int).Neg(remaining))
	}
	dropped := new(big.Int)
	for _, k := range payouts.Keys() {
		amount := payouts.Get(k)
		toAdd := amount
		if amount.Cmp(remaining) > 0 {
			toAdd = remaining
			dropped.Add(dropped, new(big.Int).Sub(amount, remaining))
		}
		if toAdd.Sign() == 0 {
			continue
		}
		balances.Add(k, toAdd)
		remaining = new(big.Int).Sub(remaining, toAdd)
	}
	return dropped, nil
}

// BalancesAfterFees distributes validator fees out of raw earner balances.
//
// Every earner keeps floor(b * (deposit - totalFees) / deposit). What is left
// of the total forms the fee pool, which is split between validators in
// proportion to their configured fees; the leader takes the rounding
// remainder. The result sums to exactly before.Sum(), and each entry is
// non-decreasing as before grows.
func BalancesAfterFees(ch *types.Channel, before types.Balances) (types.Balances, error) {
	deposit := ch.Deposit()
	if deposit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero deposit", ErrInvalidChannel)
	}
	totalFees := new(big.Int)
	for _, v := range ch.Spec.Validators {
		totalFees.Add(totalFees, v.Fee.Value())
	}
	if totalFees.Cmp(deposit) > 0 {
		return nil, fmt.Errorf("%w: fees exceed deposit", ErrInvalidChannel)
	}
	distributable := new(big.Int).Sub(deposit, totalFees)

	out := types.Balances{}
	earned := new(big.Int)
	for _, k := range before.Keys() {
		share := new(big.Int).Mul(before.Get(k), distributable)
		share.Quo(share, deposit)
		out.Add(k, share)
		earned.Add(earned, share)
	}

	pool := new(big.Int).Sub(before.Sum(), earned)
	if pool.Sign() == 0 || totalFees.Sign() == 0 {
		return out, nil
	}

	// walk the non-leader validators with a cumulative fee so their combined
	// share never shrinks; the leader gets whatever is left
	cumulative := new(big.Int)
	assigned := new(big.Int)
	for _, v := range ch.Spec.Validators[1:] {
		cumulative.Add(cumulative, v.Fee.Value())
		upTo := new(big.Int).Mul(pool, cumulative)
		upTo.Quo(upTo, totalFees)
		fee := new(big.Int).Sub(upTo, assigned)
		assigned.Set(upTo)
		if fee.Sign() > 0 {
			out.Add(v.FeeKey(), fee)
		}
	}
	if leaderFee := new(big.Int).Sub(pool, assigned); leaderFee.Sign() > 0 {
		out.Add(ch.Leader().FeeKey(), leaderFee)
	}
	return out, nil
}
