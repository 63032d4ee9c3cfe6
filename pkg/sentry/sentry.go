// Package sentry is how a validator worker reads and publishes channel
// messages. Local serves them from this process's store; Remote talks to a
// sentry over HTTP.
package sentry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outpace-network/validatorx/pkg/types"
)

var (
	ErrUnauthorized   = errors.New("sentry: unauthorized")
	ErrInvalidMessage = errors.New("sentry: invalid message")
)

// Interface is scoped to one channel. Getters return nil when nothing
// matches.
type Interface interface {
	WhoAmI() string
	Channel() *types.Channel

	// GetOurLatestMsg returns the newest message of any of kinds that this
	// validator authored.
	GetOurLatestMsg(ctx context.Context, kinds ...types.MessageType) (types.Message, error)
	GetLatestMsg(ctx context.Context, from string, kinds ...types.MessageType) (types.Message, error)
	// GetLastApproved returns the follower's latest ApproveState with the
	// leader's NewState it approved.
	GetLastApproved(ctx context.Context) (*LastApproved, error)
	// GetEventAggregates returns aggregates created after after, oldest first.
	GetEventAggregates(ctx context.Context, after time.Time) ([]*types.EventAggregate, error)
	// Propagate sends messages authored by this validator to every validator
	// of the channel, itself included.
	Propagate(ctx context.Context, msgs ...types.Message) error
}

type LastApproved struct {
	NewState     *types.NewState
	ApproveState *types.ApproveState
}

// Transport delivers messages to another validator's sentry.
type Transport interface {
	Send(ctx context.Context, to types.ValidatorDesc, channelID, from string, msgs []types.Message) error
}

func messageAs[T types.Message](env *types.Envelope) (T, error) {
	var zero T
	if env == nil {
		return zero, nil
	}
	m, ok := env.Msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: stored %s where %T was expected", ErrInvalidMessage, env.Msg.Type(), zero)
	}
	return m, nil
}
