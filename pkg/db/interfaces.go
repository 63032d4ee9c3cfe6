package db

import (
	"context"
	"errors"
	"time"

	"github.com/outpace-network/validatorx/pkg/types"
)

var (
	ErrNotFound      = errors.New("db: not found")
	ErrAlreadyExists = errors.New("db: already exists")
	// ErrStaleAggregate is returned when an aggregate's created time does not
	// move past the newest one stored for its channel.
	ErrStaleAggregate = errors.New("db: event aggregate is not newer than the last one")
)

// ChannelFilter selects channels for the tick scheduler.
type ChannelFilter struct {
	// Validator, when set, keeps only channels it validates.
	Validator string
	// ValidAt, when set, drops channels expired at that time.
	ValidAt time.Time
	Limit   int
}

// RulesUpdate replaces the rule overrides of a channel. Nil leaves a field
// unchanged.
type RulesUpdate struct {
	PriceMultiplicationRules *[]types.PriceMultiplicationRule
	TargetingRules           *[]types.TargetingRule
}

// ChannelStore persists channels and the few fields that change after load.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*types.Channel, error)
	ListChannels(ctx context.Context, filter ChannelFilter) ([]*types.Channel, error)
	InsertChannel(ctx context.Context, ch *types.Channel) error
	UpdateChannelRules(ctx context.Context, id string, update RulesUpdate) error
	MarkExhausted(ctx context.Context, id string) error
}

// EventStore persists event aggregates.
type EventStore interface {
	InsertEventAggregate(ctx context.Context, aggr *types.EventAggregate) error
	// EventAggregatesAfter returns aggregates with created > after, oldest first.
	EventAggregatesAfter(ctx context.Context, channelID string, after time.Time, limit int) ([]*types.EventAggregate, error)
}

// MessageStore persists validator messages. Lookups return (nil, nil) when
// nothing matches.
type MessageStore interface {
	InsertValidatorMessage(ctx context.Context, env *types.Envelope) error
	LatestValidatorMessage(ctx context.Context, channelID, from string, kinds ...types.MessageType) (*types.Envelope, error)
	ValidatorMessageByStateRoot(ctx context.Context, channelID, from string, kind types.MessageType, stateRoot string) (*types.Envelope, error)
}

// Store is everything a validator persists.
type Store interface {
	ChannelStore
	EventStore
	MessageStore
	Close() error
}
