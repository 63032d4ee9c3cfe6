package sentry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/outpace-network/validatorx/pkg/logging"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// Remote implements Interface against this validator's sentry at Base, for
// workers that run apart from their sentry.
type Remote struct {
	logger *zap.Logger
	client *HTTPClient
	base   string
	whoami string
	ch     *types.Channel
}

func NewRemote(logger *zap.Logger, client *HTTPClient, base, whoami string, ch *types.Channel) *Remote {
	return &Remote{
		logger: logging.ForChannel(logger, ch.ID),
		client: client,
		base:   base,
		whoami: whoami,
		ch:     ch,
	}
}

func (r *Remote) WhoAmI() string          { return r.whoami }
func (r *Remote) Channel() *types.Channel { return r.ch }

func (r *Remote) GetOurLatestMsg(ctx context.Context, kinds ...types.MessageType) (types.Message, error) {
	return r.GetLatestMsg(ctx, r.whoami, kinds...)
}

func (r *Remote) GetLatestMsg(ctx context.Context, from string, kinds ...types.MessageType) (types.Message, error) {
	env, err := r.client.LatestMessage(ctx, r.base, r.ch.ID, from, kinds...)
	if err != nil || env == nil {
		return nil, err
	}
	return env.Msg, nil
}

func (r *Remote) GetLastApproved(ctx context.Context) (*LastApproved, error) {
	la, err := r.client.LastApproved(ctx, r.base, r.ch.ID)
	if err != nil || la == nil || la.NewState == nil || la.ApproveState == nil {
		return nil, err
	}
	ns, err := messageAs[*types.NewState](la.NewState)
	if err != nil {
		return nil, err
	}
	approve, err := messageAs[*types.ApproveState](la.ApproveState)
	if err != nil {
		return nil, err
	}
	return &LastApproved{NewState: ns, ApproveState: approve}, nil
}

func (r *Remote) GetEventAggregates(ctx context.Context, after time.Time) ([]*types.EventAggregate, error) {
	return r.client.EventAggregates(ctx, r.base, r.ch.ID, after)
}

// Propagate posts to our own sentry first; that failing fails the call.
func (r *Remote) Propagate(ctx context.Context, msgs ...types.Message) error {
	if err := r.client.PostMessages(ctx, r.base, r.ch.ID, r.whoami, msgs); err != nil {
		return fmt.Errorf("propagate to own sentry: %w", err)
	}
	peers := peerMessages(msgs)
	if len(peers) == 0 {
		return nil
	}
	for _, v := range r.ch.Spec.Validators {
		if strings.EqualFold(v.ID, r.whoami) {
			continue
		}
		if err := r.client.PostPeerMessages(ctx, v.URL, r.ch.ID, r.whoami, peers); err != nil {
			r.logger.Warn("Unable to propagate", zap.String("validator", v.ID), zap.String("url", v.URL), zap.Error(err))
		}
	}
	return nil
}
