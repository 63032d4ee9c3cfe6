package worker

import (
	"context"
	"fmt"

	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

func (w *Worker) followerTick(ctx context.Context, logger *zap.Logger, iface sentry.Interface, res *TickResult) error {
	ch := iface.Channel()
	ns, err := latestNewState(ctx, iface, ch.Leader().ID)
	if err != nil {
		return err
	}
	ours, err := iface.GetOurLatestMsg(ctx, types.TypeApproveState, types.TypeRejectState)
	if err != nil {
		return fmt.Errorf("get own response: %w", err)
	}

	prod, err := Produce(ctx, logger, iface)
	if err != nil {
		return err
	}
	res.Producer = prod

	if ns == nil {
		return nil
	}
	if ours != nil && types.StateRootOf(ours) == ns.StateRoot {
		// the leader may never have received our answer
		if w.resendDue(ch.ID, ns.StateRoot) {
			w.resend(ctx, logger, iface, ours, res)
		}
		return nil
	}
	return w.onNewState(ctx, logger, iface, prod.Fresh(), ns, res)
}

// onNewState answers a proposal. Each failed check produces a RejectState
// with its reason; the first failure wins.
func (w *Worker) onNewState(ctx context.Context, logger *zap.Logger, iface sentry.Interface, ours *types.Accounting, ns *types.NewState, res *TickResult) error {
	ch := iface.Channel()
	reject := func(reason outpace.RejectReason) error {
		msg := &types.RejectState{StateRoot: ns.StateRoot, Reason: string(reason), Timestamp: w.now().UTC()}
		digest, err := outpace.RejectDigest(msg.StateRoot, msg.Reason, msg.Timestamp)
		if err != nil {
			return err
		}
		if msg.Signature, err = w.adapter.Sign(digest); err != nil {
			return fmt.Errorf("sign RejectState: %w", err)
		}
		if err := iface.Propagate(ctx, msg); err != nil {
			return fmt.Errorf("propagate RejectState: %w", err)
		}
		res.Response = msg
		w.noteSent(ch.ID, msg.StateRoot)
		logger.Warn("Rejected new state", zap.String("stateRoot", ns.StateRoot), zap.String("reason", string(reason)))
		return nil
	}

	root, err := outpace.StateRootHex(ch.ID, ns.Balances)
	if err != nil || root != ns.StateRoot {
		return reject(outpace.InvalidRootHash)
	}
	raw, err := outpace.DecodeStateRoot(root)
	if err != nil {
		return reject(outpace.InvalidRootHash)
	}
	if ok, err := w.adapter.Verify(ch.Leader().ID, raw, ns.Signature); err != nil || !ok {
		return reject(outpace.InvalidSignature)
	}

	prev := types.Balances{}
	approved, err := iface.GetLastApproved(ctx)
	if err != nil {
		return fmt.Errorf("get last approved: %w", err)
	}
	if approved != nil {
		prev = approved.NewState.Balances
	}
	if !outpace.IsValidTransition(ch, prev, ns.Balances) {
		return reject(outpace.InvalidTransition)
	}

	health := outpace.HealthPromilles(ch, ours.Balances, ns.Balances)
	if health < w.cfg.HealthUnsignablePromilles {
		return reject(outpace.TooLowHealth)
	}

	sig, err := w.sign(root)
	if err != nil {
		return err
	}
	msg := &types.ApproveState{
		StateRoot: root,
		Signature: sig,
		IsHealthy: health >= w.cfg.HealthThresholdPromilles,
		Exhausted: outpace.IsExhausted(ch, ns.Balances),
	}
	if err := iface.Propagate(ctx, msg); err != nil {
		return fmt.Errorf("propagate ApproveState: %w", err)
	}
	res.Response = msg
	w.noteSent(ch.ID, msg.StateRoot)
	logger.Info("Approved new state",
		zap.String("stateRoot", root),
		zap.Int64("health", health),
		zap.Bool("exhausted", msg.Exhausted))
	return nil
}
