package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/outpace-network/validatorx/pkg/access"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/pricing"
	"github.com/outpace-network/validatorx/pkg/redis"
	"github.com/outpace-network/validatorx/pkg/retry"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

type recorder struct {
	reg    *Registry
	id     string
	logger *zap.Logger

	mu        sync.Mutex
	channel   *types.Channel
	fetchedAt time.Time
	aggr      *types.EventAggregate
	timer     *time.Timer
	closed    bool

	queue chan *types.EventAggregate

	// guarded by the channel's serial lock
	lastCreated time.Time
}

func newRecorder(reg *Registry, id string, logger *zap.Logger) *recorder {
	return &recorder{
		reg:    reg,
		id:     id,
		logger: logger,
		aggr:   types.NewEventAggregate(id),
		queue:  make(chan *types.EventAggregate, reg.cfg.QueueSize),
	}
}

func (rec *recorder) invalidate() {
	rec.mu.Lock()
	rec.channel = nil
	rec.mu.Unlock()
}

// loadChannel returns the cached channel, refetching it when invalidated or
// older than the refresh interval. Callers hold mu.
func (rec *recorder) loadChannel(ctx context.Context) (*types.Channel, error) {
	now := rec.reg.now()
	if rec.channel != nil && now.Sub(rec.fetchedAt) < rec.reg.cfg.ChannelRefreshInterval {
		return rec.channel, nil
	}
	ch, err := rec.reg.store.GetChannel(ctx, rec.id)
	if err != nil {
		return nil, err
	}
	rec.channel, rec.fetchedAt = ch, now
	return ch, nil
}

func (rec *recorder) record(ctx context.Context, sess types.Session, events []types.Event) (Result, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	ch, err := rec.loadChannel(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return Result{StatusCode: http.StatusNotFound, Message: "channel not found"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load channel %s: %w", rec.id, err)
	}

	verdict, err := access.Check(ctx, rec.reg.limiter, ch, sess, events, rec.reg.now())
	if err != nil {
		return Result{}, err
	}
	if !verdict.Success {
		return Result{StatusCode: verdict.StatusCode, Message: verdict.Message}, nil
	}

	// events of this batch are priced with the rules they were sent under
	if err := rec.applyUpdates(ctx, events); err != nil {
		return Result{}, err
	}

	res, dirty, err := fold(rec.aggr, ch, sess, events)
	if err != nil {
		return Result{}, err
	}
	if !dirty {
		return res, nil
	}

	if rec.reg.cfg.Throttle <= 0 {
		pending := rec.swap()
		if err := rec.persist(ctx, pending); err != nil {
			// the consumer keeps retrying once the caller is gone
			rec.logger.Warn("Persist deferred to queue", zap.Error(err))
			rec.enqueue(pending)
		}
		return res, nil
	}
	if rec.timer == nil {
		rec.timer = time.AfterFunc(rec.reg.cfg.Throttle, rec.flush)
	}
	return res, nil
}

// applyUpdates stores the last rule update of each kind in the batch. The
// cached channel is dropped so later batches see the new rules.
func (rec *recorder) applyUpdates(ctx context.Context, events []types.Event) error {
	var update db.RulesUpdate
	for i := range events {
		switch events[i].Type {
		case types.EventUpdatePriceMultiplication:
			rules := events[i].PriceMultiplicationRules
			if rules == nil {
				rules = []types.PriceMultiplicationRule{}
			}
			update.PriceMultiplicationRules = &rules
		case types.EventUpdateTargeting:
			rules := events[i].TargetingRules
			if rules == nil {
				rules = []types.TargetingRule{}
			}
			update.TargetingRules = &rules
		}
	}
	if update.PriceMultiplicationRules == nil && update.TargetingRules == nil {
		return nil
	}
	if err := rec.reg.store.UpdateChannelRules(ctx, rec.id, update); err != nil {
		return fmt.Errorf("update channel rules: %w", err)
	}

	// the next batch refetches; other instances learn through the notifier
	rec.channel = nil
	if rec.reg.notifier != nil {
		rec.reg.notifier.Publish(ctx, redis.ChannelUpdatedTopic(rec.id), "updated")
	}
	rec.logger.Info("Channel rules updated",
		zap.Bool("price_multiplication_rules", update.PriceMultiplicationRules != nil),
		zap.Bool("targeting_rules", update.TargetingRules != nil))
	return nil
}

// fold adds events to aggr. It reports whether aggr changed.
func fold(aggr *types.EventAggregate, ch *types.Channel, sess types.Session, events []types.Event) (Result, bool, error) {
	res := Result{Success: true, StatusCode: http.StatusOK}
	valueBearing, dirty := 0, false

	for i, ev := range events {
		if ev.IsUpdate() {
			continue
		}
		if ev.Type == types.EventClose {
			valueBearing++
			creator, ok := outpace.BalanceKey(ch.Creator)
			if !ok {
				continue
			}
			aggr.Count(ev.Type, creator)
			// the producer clamps this to what is left of the deposit
			aggr.Pay(ev.Type, creator, ch.Deposit())
			dirty = true
			continue
		}

		if ev.Type == types.EventImpression || ev.Type == types.EventClick {
			valueBearing++
		}
		p, err := pricing.Compute(ch, ev, sess)
		if errors.Is(err, pricing.ErrNotServable) {
			res.Rejected = append(res.Rejected, i)
			continue
		}
		if err != nil {
			return Result{}, false, fmt.Errorf("price event %d: %w", i, err)
		}
		if p == nil {
			key, ok := outpace.BalanceKey(ev.Publisher)
			if !ok {
				continue
			}
			aggr.Count(ev.Type, key)
			dirty = true
			continue
		}
		aggr.Count(ev.Type, p.Key)
		aggr.Pay(ev.Type, p.Key, p.Amount)
		dirty = true
	}

	if valueBearing > 0 && len(res.Rejected) == valueBearing {
		return Result{
			StatusCode: StatusAllRejected,
			Message:    "all events were rejected by the channel's targeting rules",
			Rejected:   res.Rejected,
		}, dirty, nil
	}
	return res, dirty, nil
}

// swap replaces the current aggregate with an empty one. Callers hold mu.
func (rec *recorder) swap() *types.EventAggregate {
	pending := rec.aggr
	rec.aggr = types.NewEventAggregate(rec.id)
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	return pending
}

// flush hands the pending aggregate to the persist queue. It holds mu while
// enqueueing so a full queue pushes back on record.
func (rec *recorder) flush() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	rec.enqueue(rec.swap())
}

// enqueue is called with mu held.
func (rec *recorder) enqueue(a *types.EventAggregate) {
	if a.IsEmpty() {
		return
	}
	select {
	case rec.queue <- a:
	case <-rec.reg.ctx.Done():
		rec.logger.Error("Dropping event aggregate, registry stopped")
	}
}

// close flushes what is pending and closes the queue.
func (rec *recorder) close() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	rec.enqueue(rec.swap())
	rec.closed = true
	close(rec.queue)
}

func (rec *recorder) consume() {
	for a := range rec.queue {
		if err := rec.persist(rec.reg.ctx, a); err != nil {
			rec.logger.Error("Event aggregate lost", zap.Error(err))
		}
	}
}

// persist writes a under the channel lock, retrying until it succeeds or ctx
// is done. created is stamped per attempt and strictly increases.
func (rec *recorder) persist(ctx context.Context, a *types.EventAggregate) error {
	return retry.WithBackoff(ctx, rec.reg.cfg.Retry, rec.logger, "persist_event_aggregate", func() error {
		return rec.reg.locks.Do(ctx, rec.id, func(ctx context.Context) error {
			created := rec.reg.now().UTC().Truncate(time.Microsecond)
			if !created.After(rec.lastCreated) {
				created = rec.lastCreated.Add(time.Microsecond)
			}
			rec.lastCreated = created
			a.Created = created
			return rec.reg.store.InsertEventAggregate(ctx, a)
		})
	})
}
