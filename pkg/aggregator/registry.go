// Package aggregator folds priced events into per-channel aggregates and
// persists them, throttled, in order.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/outpace-network/validatorx/pkg/access"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/logging"
	"github.com/outpace-network/validatorx/pkg/redis"
	"github.com/outpace-network/validatorx/pkg/retry"
	"github.com/outpace-network/validatorx/pkg/serial"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("aggregator: registry is closed")

// StatusAllRejected is returned when targeting rejected every value-bearing
// event of a batch.
const StatusAllRejected = 469

// Result is what Record reports back to the submitter.
type Result struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	// Rejected holds the indexes of events refused by onlyShowIf rules.
	Rejected []int `json:"rejected,omitempty"`
}

// Notifier broadcasts channel updates to other sentry instances.
type Notifier interface {
	Publish(ctx context.Context, channel string, message interface{})
}

type Config struct {
	// Throttle delays persisting so events within the window share one
	// aggregate. Zero persists before Record returns.
	Throttle               time.Duration
	ChannelRefreshInterval time.Duration
	QueueSize              int
	Retry                  retry.Config
}

func DefaultConfig() Config {
	return Config{
		Throttle:               5 * time.Second,
		ChannelRefreshInterval: 40 * time.Second,
		QueueSize:              64,
		Retry:                  retry.ForeverConfig(),
	}
}

// Registry owns one recorder per channel.
type Registry struct {
	logger   *zap.Logger
	store    db.Store
	limiter  access.Limiter
	locks    *serial.Locks
	notifier Notifier
	cfg      Config
	now      func() time.Time

	recorders *xsync.Map[string, *recorder]

	// lifetime of persist consumers, detached from the caller's context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// NewRegistry builds a registry. notifier may be nil.
func NewRegistry(logger *zap.Logger, store db.Store, limiter access.Limiter, locks *serial.Locks, notifier Notifier, cfg Config) *Registry {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:    logger,
		store:     store,
		limiter:   limiter,
		locks:     locks,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		recorders: xsync.NewMap[string, *recorder](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *Registry) recorder(channelID string) *recorder {
	rec, loaded := r.recorders.LoadOrCompute(channelID, func() (*recorder, bool) {
		return newRecorder(r, channelID, logging.ForChannel(r.logger, channelID)), false
	})
	if !loaded {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			rec.consume()
		}()
	}
	return rec
}

// Record checks access, prices and folds events for channelID.
func (r *Registry) Record(ctx context.Context, channelID string, sess types.Session, events []types.Event) (Result, error) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return Result{}, ErrClosed
	}
	return r.recorder(channelID).record(ctx, sess, events)
}

// Invalidate drops the cached channel so the next event refetches it.
func (r *Registry) Invalidate(channelID string) {
	if rec, ok := r.recorders.Load(channelID); ok {
		rec.invalidate()
	}
}

// ChannelChanged drops the cached channel here and tells other instances to
// do the same.
func (r *Registry) ChannelChanged(ctx context.Context, channelID string) {
	r.Invalidate(channelID)
	if r.notifier != nil {
		r.notifier.Publish(ctx, redis.ChannelUpdatedTopic(channelID), "updated")
	}
}

// Watch invalidates recorders whenever another instance publishes a channel
// update. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, client *redis.Client) {
	pubsub := client.PSubscribe(ctx, redis.ChannelUpdatedPattern)
	defer func() { _ = pubsub.Close() }()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if id, ok := redis.ChannelFromTopic(msg.Channel); ok {
				r.logger.Debug("Channel updated elsewhere", zap.String("channel", id))
				r.Invalidate(id)
			}
		}
	}
}

// Close flushes every pending aggregate and waits for the persist queues to
// drain. If ctx ends first, outstanding retries are abandoned.
func (r *Registry) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	r.recorders.Range(func(_ string, rec *recorder) bool {
		rec.close()
		return true
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
