// Package worker runs the validator side of a channel: produce accounting,
// then propose (leader) or verify (follower), then heartbeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/outpace-network/validatorx/pkg/logging"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/sentry"
	"github.com/outpace-network/validatorx/pkg/serial"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var ErrNotValidator = errors.New("worker: not a validator of the channel")

type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

type Config struct {
	HealthThresholdPromilles  int64
	HealthUnsignablePromilles int64
	HeartbeatInterval         time.Duration
	// TickTimeout bounds one channel's tick, waiting for its lock included.
	TickTimeout time.Duration
	// ResendInterval is how long a proposal or an answer may stay unanswered
	// before it is sent again. Zero never resends.
	ResendInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthThresholdPromilles:  950,
		HealthUnsignablePromilles: 750,
		HeartbeatInterval:         30 * time.Second,
		TickTimeout:               20 * time.Second,
		ResendInterval:            time.Minute,
	}
}

// TickResult reports what one tick published.
type TickResult struct {
	Role      Role
	Producer  ProducerResult
	Proposed  *types.NewState
	Response  types.Message
	Heartbeat *types.Heartbeat
	// Resent is a pending message sent again because it went unanswered.
	Resent types.Message
}

type Worker struct {
	logger  *zap.Logger
	adapter adapter.Adapter
	locks   *serial.Locks
	cfg     Config
	now     func() time.Time

	// last proposal or answer sent per channel
	sent *xsync.Map[string, sentMsg]
}

type sentMsg struct {
	stateRoot string
	at        time.Time
}

// New builds a worker. locks must be shared with the event aggregator so a
// tick never runs during a persist of the same channel.
func New(logger *zap.Logger, adp adapter.Adapter, locks *serial.Locks, cfg Config) *Worker {
	return &Worker{logger: logger, adapter: adp, locks: locks, cfg: cfg, now: time.Now, sent: xsync.NewMap[string, sentMsg]()}
}

// noteSent starts the resend clock for stateRoot. Callers hold the channel
// lock.
func (w *Worker) noteSent(channelID, stateRoot string) {
	w.sent.Store(channelID, sentMsg{stateRoot: stateRoot, at: w.now()})
}

// resendDue reports whether the message for stateRoot has waited longer than
// ResendInterval, and restarts its clock if so. A root seen for the first
// time, e.g. after a restart, starts a fresh clock.
func (w *Worker) resendDue(channelID, stateRoot string) bool {
	if w.cfg.ResendInterval <= 0 {
		return false
	}
	last, ok := w.sent.Load(channelID)
	if !ok || last.stateRoot != stateRoot {
		w.noteSent(channelID, stateRoot)
		return false
	}
	if w.now().Sub(last.at) < w.cfg.ResendInterval {
		return false
	}
	w.noteSent(channelID, stateRoot)
	return true
}

// resend propagates m again. A failure is logged; the next tick retries.
func (w *Worker) resend(ctx context.Context, logger *zap.Logger, iface sentry.Interface, m types.Message, res *TickResult) {
	if err := iface.Propagate(ctx, m); err != nil {
		logger.Warn("Unable to resend", zap.String("type", string(m.Type())), zap.Error(err))
		return
	}
	res.Resent = m
	logger.Info("Resent unanswered message", zap.String("type", string(m.Type())), zap.String("stateRoot", types.StateRootOf(m)))
}

// Tick runs one protocol round for the channel behind iface.
func (w *Worker) Tick(ctx context.Context, iface sentry.Interface) (*TickResult, error) {
	ch := iface.Channel()
	res := &TickResult{}
	switch ch.ValidatorIndex(w.adapter.WhoAmI()) {
	case 0:
		res.Role = RoleLeader
	case 1:
		res.Role = RoleFollower
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotValidator, ch.ID)
	}
	logger := logging.ForChannel(w.logger, ch.ID).With(zap.String("role", string(res.Role)))

	if w.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TickTimeout)
		defer cancel()
	}
	err := w.locks.Do(ctx, ch.ID, func(ctx context.Context) error {
		var err error
		if res.Role == RoleLeader {
			err = w.leaderTick(ctx, logger, iface, res)
		} else {
			err = w.followerTick(ctx, logger, iface, res)
		}
		if err != nil {
			return err
		}
		res.Heartbeat, err = w.heartbeat(ctx, iface)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TickAll ticks every channel concurrently on pool and returns how many
// failed. Failures are logged; the next run retries them.
func (w *Worker) TickAll(ctx context.Context, pool pond.Pool, channels []*types.Channel, sentryFor func(*types.Channel) sentry.Interface) int {
	var failed atomic.Int32
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, ch := range channels {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if _, err := w.Tick(groupCtx, sentryFor(ch)); err != nil {
				failed.Add(1)
				w.logger.Warn("Channel tick failed", zap.String("channel", ch.ID), zap.Error(err))
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		w.logger.Warn("Tick group failed", zap.Error(err))
	}
	return int(failed.Load())
}

func (w *Worker) sign(stateRoot string) (string, error) {
	raw, err := outpace.DecodeStateRoot(stateRoot)
	if err != nil {
		return "", err
	}
	return w.adapter.Sign(raw)
}
