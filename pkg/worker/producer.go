package worker

import (
	"context"
	"fmt"

	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// ProducerResult is the checkpoint before the tick and, when new aggregates
// were merged, the one published by it.
type ProducerResult struct {
	Accounting    *types.Accounting
	NewAccounting *types.Accounting
}

// Fresh returns the newest known checkpoint.
func (r ProducerResult) Fresh() *types.Accounting {
	if r.NewAccounting != nil {
		return r.NewAccounting
	}
	return r.Accounting
}

// Produce merges event aggregates newer than our last Accounting into a new
// one and propagates it. Without new payouts nothing is published.
func Produce(ctx context.Context, logger *zap.Logger, iface sentry.Interface) (ProducerResult, error) {
	ch := iface.Channel()
	acc, err := latestAccounting(ctx, iface)
	if err != nil {
		return ProducerResult{}, err
	}
	res := ProducerResult{Accounting: acc}

	before := acc.BalancesBeforeFees.Clone()
	after := acc.LastEvAggr
	merged := 0
	for {
		aggrs, err := iface.GetEventAggregates(ctx, after)
		if err != nil {
			return ProducerResult{}, fmt.Errorf("get event aggregates: %w", err)
		}
		if len(aggrs) == 0 {
			break
		}
		for _, a := range aggrs {
			dropped, err := outpace.MergePayouts(before, payoutsOf(a), ch.Deposit())
			if err != nil {
				return ProducerResult{}, err
			}
			if dropped.Sign() > 0 {
				logger.Warn("Payouts exceed the remaining deposit", zap.String("dropped", dropped.String()))
			}
			after = a.Created
		}
		merged += len(aggrs)
		// aggregates that only count events cannot be checkpointed on their
		// own, keep reading until something pays
		if len(before) > 0 {
			break
		}
	}
	if merged == 0 || len(before) == 0 {
		return res, nil
	}

	balances, err := outpace.BalancesAfterFees(ch, before)
	if err != nil {
		return ProducerResult{}, err
	}
	res.NewAccounting = &types.Accounting{
		BalancesBeforeFees: before,
		Balances:           balances,
		LastEvAggr:         after,
	}
	if err := iface.Propagate(ctx, res.NewAccounting); err != nil {
		return ProducerResult{}, fmt.Errorf("propagate accounting: %w", err)
	}
	logger.Debug("Accounting produced",
		zap.Int("aggregates", merged),
		zap.Time("lastEvAggr", after),
		zap.String("total", before.Sum().String()))
	return res, nil
}

func latestAccounting(ctx context.Context, iface sentry.Interface) (*types.Accounting, error) {
	m, err := iface.GetOurLatestMsg(ctx, types.TypeAccounting)
	if err != nil {
		return nil, fmt.Errorf("get accounting: %w", err)
	}
	if m == nil {
		return types.EmptyAccounting(), nil
	}
	acc, ok := m.(*types.Accounting)
	if !ok {
		return nil, fmt.Errorf("latest accounting has type %s", m.Type())
	}
	return acc, nil
}

// payoutsOf sums an aggregate's payouts over every event type.
func payoutsOf(a *types.EventAggregate) types.Balances {
	out := types.Balances{}
	for _, c := range a.Events {
		for k, v := range c.EventPayouts {
			if v != nil && v.Sign() > 0 {
				out.Add(k, v)
			}
		}
	}
	return out
}
