package worker

import (
	"context"
	"fmt"

	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// leaderTick proposes the freshest accounting once the previous proposal has
// been answered.
func (w *Worker) leaderTick(ctx context.Context, logger *zap.Logger, iface sentry.Interface, res *TickResult) error {
	ch := iface.Channel()
	latest, err := latestNewState(ctx, iface, iface.WhoAmI())
	if err != nil {
		return err
	}
	response, err := iface.GetLatestMsg(ctx, ch.Follower().ID, types.TypeApproveState, types.TypeRejectState)
	if err != nil {
		return fmt.Errorf("get follower response: %w", err)
	}

	prod, err := Produce(ctx, logger, iface)
	if err != nil {
		return err
	}
	res.Producer = prod

	acc := prod.Fresh()
	if len(acc.Balances) == 0 {
		return nil
	}
	root, err := outpace.StateRootHex(ch.ID, acc.Balances)
	if err != nil {
		return err
	}
	if latest != nil {
		if response == nil || types.StateRootOf(response) != latest.StateRoot {
			logger.Debug("Waiting for the follower to answer", zap.String("stateRoot", latest.StateRoot))
			if w.resendDue(ch.ID, latest.StateRoot) {
				w.resend(ctx, logger, iface, latest, res)
			}
			return nil
		}
		if latest.StateRoot == root {
			return nil
		}
	}

	sig, err := w.sign(root)
	if err != nil {
		return err
	}
	ns := &types.NewState{StateRoot: root, Signature: sig, Balances: acc.Balances}
	if err := iface.Propagate(ctx, ns); err != nil {
		return fmt.Errorf("propagate NewState: %w", err)
	}
	res.Proposed = ns
	w.noteSent(ch.ID, root)
	logger.Info("Proposed new state", zap.String("stateRoot", root))
	return nil
}

func latestNewState(ctx context.Context, iface sentry.Interface, leader string) (*types.NewState, error) {
	m, err := iface.GetLatestMsg(ctx, leader, types.TypeNewState)
	if err != nil {
		return nil, fmt.Errorf("get NewState: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	ns, ok := m.(*types.NewState)
	if !ok {
		return nil, fmt.Errorf("latest NewState has type %s", m.Type())
	}
	return ns, nil
}
