package sentry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/logging"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// Node serves Interface for every channel straight from the local store.
type Node struct {
	logger      *zap.Logger
	store       db.Store
	receiver    *Receiver
	transport   Transport
	eventsLimit int
}

func NewNode(logger *zap.Logger, store db.Store, receiver *Receiver, transport Transport, eventsLimit int) *Node {
	return &Node{
		logger:      logger,
		store:       store,
		receiver:    receiver,
		transport:   transport,
		eventsLimit: eventsLimit,
	}
}

func (n *Node) ForChannel(ch *types.Channel) Interface {
	return &local{node: n, ch: ch, logger: logging.ForChannel(n.logger, ch.ID)}
}

type local struct {
	node   *Node
	ch     *types.Channel
	logger *zap.Logger
}

func (l *local) WhoAmI() string          { return l.node.receiver.WhoAmI() }
func (l *local) Channel() *types.Channel { return l.ch }

func (l *local) GetOurLatestMsg(ctx context.Context, kinds ...types.MessageType) (types.Message, error) {
	return l.GetLatestMsg(ctx, l.WhoAmI(), kinds...)
}

func (l *local) GetLatestMsg(ctx context.Context, from string, kinds ...types.MessageType) (types.Message, error) {
	env, err := l.node.store.LatestValidatorMessage(ctx, l.ch.ID, from, kinds...)
	if err != nil || env == nil {
		return nil, err
	}
	return env.Msg, nil
}

func (l *local) GetLastApproved(ctx context.Context) (*LastApproved, error) {
	return lastApproved(ctx, l.node.store, l.ch)
}

func lastApproved(ctx context.Context, store db.MessageStore, ch *types.Channel) (*LastApproved, error) {
	env, err := store.LatestValidatorMessage(ctx, ch.ID, ch.Follower().ID, types.TypeApproveState)
	if err != nil || env == nil {
		return nil, err
	}
	approve, err := messageAs[*types.ApproveState](env)
	if err != nil {
		return nil, err
	}
	env, err = store.ValidatorMessageByStateRoot(ctx, ch.ID, ch.Leader().ID, types.TypeNewState, approve.StateRoot)
	if err != nil || env == nil {
		return nil, err
	}
	ns, err := messageAs[*types.NewState](env)
	if err != nil {
		return nil, err
	}
	return &LastApproved{NewState: ns, ApproveState: approve}, nil
}

func (l *local) GetEventAggregates(ctx context.Context, after time.Time) ([]*types.EventAggregate, error) {
	return l.node.store.EventAggregatesAfter(ctx, l.ch.ID, after, l.node.eventsLimit)
}

// Propagate stores msgs locally and then delivers them to the other
// validators. Peer failures are logged; the peer catches up from later
// messages.
func (l *local) Propagate(ctx context.Context, msgs ...types.Message) error {
	if err := l.node.receiver.Receive(ctx, l.ch.ID, l.WhoAmI(), true, msgs); err != nil {
		return fmt.Errorf("store own messages: %w", err)
	}
	if l.node.transport == nil {
		return nil
	}
	for _, v := range l.ch.Spec.Validators {
		if strings.EqualFold(v.ID, l.WhoAmI()) {
			continue
		}
		if err := l.node.transport.Send(ctx, v, l.ch.ID, l.WhoAmI(), peerMessages(msgs)); err != nil {
			l.logger.Warn("Unable to propagate", zap.String("validator", v.ID), zap.String("url", v.URL), zap.Error(err))
		}
	}
	return nil
}

// peerMessages drops Accounting, which never leaves its validator.
func peerMessages(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Type() != types.TypeAccounting {
			out = append(out, m)
		}
	}
	return out
}

// Loopback delivers messages to receivers in the same process, keyed by
// validator id.
type Loopback map[string]*Receiver

func (lb Loopback) Send(ctx context.Context, to types.ValidatorDesc, channelID, from string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	r, ok := lb[to.ID]
	if !ok {
		return fmt.Errorf("no receiver for %s", to.ID)
	}
	return r.Receive(ctx, channelID, from, false, msgs)
}
