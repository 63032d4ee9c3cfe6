package sentry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// Receiver validates inbound validator messages and stores them.
type Receiver struct {
	logger   *zap.Logger
	store    db.Store
	verifier adapter.Adapter
	now      func() time.Time

	onExhausted func(ctx context.Context, channelID string)
}

// NewReceiver builds a receiver. adp identifies this validator and checks
// peer signatures.
func NewReceiver(logger *zap.Logger, store db.Store, adp adapter.Adapter) *Receiver {
	return &Receiver{logger: logger, store: store, verifier: adp, now: time.Now}
}

// OnExhausted registers fn to run after a channel is marked exhausted, so
// caches of the channel can be dropped.
func (r *Receiver) OnExhausted(fn func(ctx context.Context, channelID string)) {
	r.onExhausted = fn
}

// WhoAmI is the identity Accounting messages must come from.
func (r *Receiver) WhoAmI() string { return r.verifier.WhoAmI() }

// Receive stores msgs sent by from. Nothing is stored unless every message
// passes. trusted marks a caller that proved to be this validator's own
// worker; only it may submit Accounting.
func (r *Receiver) Receive(ctx context.Context, channelID, from string, trusted bool, msgs []types.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidMessage)
	}
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	idx := ch.ValidatorIndex(from)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not a validator of %s", ErrUnauthorized, from, channelID)
	}
	for _, m := range msgs {
		if err := r.check(ch, idx, from, trusted, m); err != nil {
			return err
		}
	}

	received := r.now().UTC()
	for _, m := range msgs {
		env := &types.Envelope{ChannelID: ch.ID, From: from, Received: received, Msg: m}
		if err := r.store.InsertValidatorMessage(ctx, env); err != nil {
			return fmt.Errorf("store %s: %w", m.Type(), err)
		}
		if approve, ok := m.(*types.ApproveState); ok && approve.Exhausted && !ch.Exhausted {
			if err := r.store.MarkExhausted(ctx, ch.ID); err != nil {
				return fmt.Errorf("mark exhausted: %w", err)
			}
			ch.Exhausted = true
			r.logger.Info("Channel exhausted", zap.String("channel", ch.ID), zap.String("stateRoot", approve.StateRoot))
			if r.onExhausted != nil {
				r.onExhausted(ctx, ch.ID)
			}
		}
	}
	return nil
}

func (r *Receiver) check(ch *types.Channel, idx int, from string, trusted bool, m types.Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch v := m.(type) {
	case *types.Accounting:
		if !trusted || !strings.EqualFold(from, r.WhoAmI()) {
			return fmt.Errorf("%w: Accounting is only accepted from this validator", ErrUnauthorized)
		}
	case *types.NewState:
		if idx != 0 {
			return fmt.Errorf("%w: NewState is only accepted from the leader", ErrUnauthorized)
		}
		// the root is checked by the follower, which answers a mismatch
		// with a RejectState
		if !trusted {
			return r.verify(from, v.StateRoot, v.Signature)
		}
	case *types.ApproveState:
		if idx != 1 {
			return fmt.Errorf("%w: ApproveState is only accepted from the follower", ErrUnauthorized)
		}
		return r.verify(from, v.StateRoot, v.Signature)
	case *types.RejectState:
		if idx != 1 {
			return fmt.Errorf("%w: RejectState is only accepted from the follower", ErrUnauthorized)
		}
		if !trusted {
			digest, err := outpace.RejectDigest(v.StateRoot, v.Reason, v.Timestamp)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			return r.verifyRaw(from, digest, v.Signature)
		}
	case *types.Heartbeat:
		return r.verify(from, v.StateRoot, v.Signature)
	}
	return nil
}

func (r *Receiver) verify(from, stateRoot, signature string) error {
	root, err := outpace.DecodeStateRoot(stateRoot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return r.verifyRaw(from, root, signature)
}

func (r *Receiver) verifyRaw(from string, digest []byte, signature string) error {
	ok, err := r.verifier.Verify(from, digest, signature)
	if err != nil || !ok {
		return fmt.Errorf("%w: bad signature from %s", ErrUnauthorized, from)
	}
	return nil
}
