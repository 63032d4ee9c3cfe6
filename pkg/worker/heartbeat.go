package worker

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/types"
)

// heartbeat signs the current time unless our last heartbeat is recent or
// the channel is exhausted.
func (w *Worker) heartbeat(ctx context.Context, iface sentry.Interface) (*types.Heartbeat, error) {
	ch := iface.Channel()
	if ch.Exhausted {
		return nil, nil
	}
	now := w.now().UTC().Truncate(time.Millisecond)

	m, err := iface.GetOurLatestMsg(ctx, types.TypeHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	if last, ok := m.(*types.Heartbeat); ok && now.Sub(last.Timestamp) < w.cfg.HeartbeatInterval {
		return nil, nil
	}

	root, err := outpace.HeartbeatStateRoot(ch.ID, now)
	if err != nil {
		return nil, err
	}
	sig, err := w.adapter.Sign(root.Bytes())
	if err != nil {
		return nil, err
	}
	hb := &types.Heartbeat{StateRoot: hex.EncodeToString(root.Bytes()), Signature: sig, Timestamp: now}
	if err := iface.Propagate(ctx, hb); err != nil {
		return nil, fmt.Errorf("propagate heartbeat: %w", err)
	}
	return hb, nil
}
