// Package memory is an in-process db.Store backed by ordered btrees. It is
// used by tests and by single-node development setups (STORE_DRIVER=memory).
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/types"
)

const degree = 16

type aggrItem struct {
	channelID string
	created   time.Time
	aggr      *types.EventAggregate
}

type msgItem struct {
	channelID string
	seq       uint64
	env       *types.Envelope
}

func lessChannel(a, b *types.Channel) bool { return a.ID < b.ID }

func lessAggr(a, b aggrItem) bool {
	if a.channelID != b.channelID {
		return a.channelID < b.channelID
	}
	return a.created.Before(b.created)
}

func lessMsg(a, b msgItem) bool {
	if a.channelID != b.channelID {
		return a.channelID < b.channelID
	}
	return a.seq < b.seq
}

type Store struct {
	mu         sync.RWMutex
	channels   *btree.BTreeG[*types.Channel]
	aggregates *btree.BTreeG[aggrItem]
	messages   *btree.BTreeG[msgItem]
	seq        uint64
}

var _ db.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		channels:   btree.NewG(degree, lessChannel),
		aggregates: btree.NewG(degree, lessAggr),
		messages:   btree.NewG(degree, lessMsg),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetChannel(_ context.Context, id string) (*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels.Get(&types.Channel{ID: id})
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return ch.Clone(), nil
}

func (s *Store) ListChannels(_ context.Context, filter db.ChannelFilter) ([]*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Channel
	s.channels.Ascend(func(ch *types.Channel) bool {
		if filter.Validator != "" && ch.ValidatorIndex(filter.Validator) < 0 {
			return true
		}
		if !filter.ValidAt.IsZero() && ch.Expired(filter.ValidAt) {
			return true
		}
		out = append(out, ch.Clone())
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, nil
}

func (s *Store) InsertChannel(_ context.Context, ch *types.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels.Has(ch) {
		return fmt.Errorf("channel %s: %w", ch.ID, db.ErrAlreadyExists)
	}
	s.channels.ReplaceOrInsert(ch.Clone())
	return nil
}

func (s *Store) UpdateChannelRules(_ context.Context, id string, update db.RulesUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(&types.Channel{ID: id})
	if !ok {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	next := ch.Clone()
	if update.PriceMultiplicationRules != nil {
		next.PriceMultiplicationRules = *update.PriceMultiplicationRules
	}
	if update.TargetingRules != nil {
		next.TargetingRules = *update.TargetingRules
	}
	s.channels.ReplaceOrInsert(next)
	return nil
}

func (s *Store) MarkExhausted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(&types.Channel{ID: id})
	if !ok {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	next := ch.Clone()
	next.Exhausted = true
	s.channels.ReplaceOrInsert(next)
	return nil
}

func (s *Store) InsertEventAggregate(_ context.Context, aggr *types.EventAggregate) error {
	if aggr.Created.IsZero() {
		return fmt.Errorf("insert event aggregate for %s: created is not set", aggr.ChannelID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *aggrItem
	s.aggregates.DescendLessOrEqual(aggrItem{channelID: aggr.ChannelID, created: maxTime}, func(it aggrItem) bool {
		if it.channelID == aggr.ChannelID {
			last = &it
		}
		return false
	})
	if last != nil && !aggr.Created.After(last.created) {
		return fmt.Errorf("channel %s at %s: %w", aggr.ChannelID, aggr.Created, db.ErrStaleAggregate)
	}
	cp := aggr.Clone()
	s.aggregates.ReplaceOrInsert(aggrItem{channelID: cp.ChannelID, created: cp.Created, aggr: cp})
	return nil
}

var maxTime = time.Unix(math.MaxInt64/2, 0)

func (s *Store) EventAggregatesAfter(_ context.Context, channelID string, after time.Time, limit int) ([]*types.EventAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.EventAggregate
	s.aggregates.AscendGreaterOrEqual(aggrItem{channelID: channelID, created: after}, func(it aggrItem) bool {
		if it.channelID != channelID {
			return false
		}
		if !it.created.After(after) {
			return true
		}
		out = append(out, it.aggr.Clone())
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) InsertValidatorMessage(_ context.Context, env *types.Envelope) error {
	if env == nil || env.Msg == nil {
		return fmt.Errorf("insert validator message: %w", types.ErrMalformedMessage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.messages.ReplaceOrInsert(msgItem{channelID: env.ChannelID, seq: s.seq, env: env})
	return nil
}

// findLatest walks the channel's messages newest first.
func (s *Store) findLatest(channelID string, match func(*types.Envelope) bool) *types.Envelope {
	var found *types.Envelope
	s.messages.DescendLessOrEqual(msgItem{channelID: channelID, seq: math.MaxUint64}, func(it msgItem) bool {
		if it.channelID != channelID {
			return false
		}
		if match(it.env) {
			found = it.env
			return false
		}
		return true
	})
	return found
}

func (s *Store) LatestValidatorMessage(_ context.Context, channelID, from string, kinds ...types.MessageType) (*types.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(channelID, func(env *types.Envelope) bool {
		if env.From != from {
			return false
		}
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if env.Msg.Type() == k {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) ValidatorMessageByStateRoot(_ context.Context, channelID, from string, kind types.MessageType, stateRoot string) (*types.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatest(channelID, func(env *types.Envelope) bool {
		return env.From == from && env.Msg.Type() == kind && types.StateRootOf(env.Msg) == stateRoot
	}), nil
}
