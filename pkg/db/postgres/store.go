package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/types"
	"go.uber.org/zap"
)

// Store is the PostgreSQL db.Store.
type Store struct {
	Client
}

var _ db.Store = (*Store)(nil)

// NewStore connects and creates the schema if needed.
func NewStore(ctx context.Context, logger *zap.Logger, dbURL string, poolConfig ...*PoolConfig) (*Store, error) {
	client, err := New(ctx, logger, dbURL, poolConfig...)
	if err != nil {
		return nil, err
	}
	s := &Store{Client: client}
	if err := s.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.Client.Close()
	return nil
}

// InitializeDB creates the tables and indexes used by the store.
func (s *Store) InitializeDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			valid_until BIGINT NOT NULL,
			validators TEXT[] NOT NULL,
			data JSONB NOT NULL,
			price_multiplication_rules JSONB,
			targeting_rules JSONB,
			exhausted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS event_aggregates (
			channel_id TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			events JSONB NOT NULL,
			PRIMARY KEY (channel_id, created)
		)`,
		`CREATE TABLE IF NOT EXISTS validator_messages (
			id BIGSERIAL PRIMARY KEY,
			channel_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			type TEXT NOT NULL,
			state_root TEXT NOT NULL DEFAULT '',
			received TIMESTAMPTZ NOT NULL,
			msg JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS validator_messages_latest
			ON validator_messages (channel_id, from_id, type, id DESC)`,
		`CREATE INDEX IF NOT EXISTS validator_messages_state_root
			ON validator_messages (channel_id, state_root)`,
	}
	for _, q := range queries {
		if _, err := s.Pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	s.Logger.Info("PostgreSQL schema ready")
	return nil
}

// --- channels

const channelColumns = `data, price_multiplication_rules, targeting_rules, exhausted`

func scanChannel(row pgx.Row) (*types.Channel, error) {
	var (
		data, pmr, tr []byte
		exhausted     bool
	)
	if err := row.Scan(&data, &pmr, &tr, &exhausted); err != nil {
		return nil, err
	}
	ch := &types.Channel{}
	if err := json.Unmarshal(data, ch); err != nil {
		return nil, fmt.Errorf("decode channel: %w", err)
	}
	if pmr != nil {
		if err := json.Unmarshal(pmr, &ch.PriceMultiplicationRules); err != nil {
			return nil, fmt.Errorf("decode price multiplication rules: %w", err)
		}
	}
	if tr != nil {
		if err := json.Unmarshal(tr, &ch.TargetingRules); err != nil {
			return nil, fmt.Errorf("decode targeting rules: %w", err)
		}
	}
	ch.Exhausted = exhausted
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	row := s.GetExecutor(ctx).QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if IsNoRows(err) {
		return nil, fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return ch, err
}

func (s *Store) ListChannels(ctx context.Context, filter db.ChannelFilter) ([]*types.Channel, error) {
	var (
		where []string
		args  []any
	)
	if filter.Validator != "" {
		args = append(args, filter.Validator)
		where = append(where, fmt.Sprintf("$%d = ANY(validators)", len(args)))
	}
	if !filter.ValidAt.IsZero() {
		args = append(args, filter.ValidAt.Unix())
		where = append(where, fmt.Sprintf("valid_until >= $%d", len(args)))
	}
	query := `SELECT ` + channelColumns + ` FROM channels`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) InsertChannel(ctx context.Context, ch *types.Channel) error {
	// overrides and the exhausted flag live in their own columns
	immutable := ch.Clone()
	immutable.PriceMultiplicationRules = nil
	immutable.TargetingRules = nil
	immutable.Exhausted = false
	data, err := json.Marshal(immutable)
	if err != nil {
		return fmt.Errorf("encode channel: %w", err)
	}
	validators := make([]string, 0, len(ch.Spec.Validators))
	for _, v := range ch.Spec.Validators {
		validators = append(validators, v.ID)
	}
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		txCtx := s.WithTx(ctx, tx)
		_, err := s.GetExecutor(txCtx).Exec(txCtx, `
			INSERT INTO channels (id, valid_until, validators, data, exhausted)
			VALUES ($1, $2, $3, $4, $5)
		`, ch.ID, ch.ValidUntil, validators, data, ch.Exhausted)
		if IsUniqueViolation(err) {
			return fmt.Errorf("channel %s: %w", ch.ID, db.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert channel %s: %w", ch.ID, err)
		}
		return s.UpdateChannelRules(txCtx, ch.ID, db.RulesUpdate{
			PriceMultiplicationRules: nonNil(ch.PriceMultiplicationRules),
			TargetingRules:           nonNil(ch.TargetingRules),
		})
	})
}

func nonNil[T any](rules []T) *[]T {
	if rules == nil {
		return nil
	}
	return &rules
}

func (s *Store) UpdateChannelRules(ctx context.Context, id string, update db.RulesUpdate) error {
	var (
		sets []string
		args = []any{id}
	)
	if update.PriceMultiplicationRules != nil {
		raw, err := json.Marshal(*update.PriceMultiplicationRules)
		if err != nil {
			return fmt.Errorf("encode price multiplication rules: %w", err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("price_multiplication_rules = $%d", len(args)))
	}
	if update.TargetingRules != nil {
		raw, err := json.Marshal(*update.TargetingRules)
		if err != nil {
			return fmt.Errorf("encode targeting rules: %w", err)
		}
		args = append(args, raw)
		sets = append(sets, fmt.Sprintf("targeting_rules = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	tag, err := s.GetExecutor(ctx).Exec(ctx, `UPDATE channels SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update channel rules %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkExhausted(ctx context.Context, id string) error {
	tag, err := s.GetExecutor(ctx).Exec(ctx, `UPDATE channels SET exhausted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark channel %s exhausted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s: %w", id, db.ErrNotFound)
	}
	return nil
}

// --- event aggregates

func (s *Store) InsertEventAggregate(ctx context.Context, aggr *types.EventAggregate) error {
	if aggr.Created.IsZero() {
		return fmt.Errorf("insert event aggregate for %s: created is not set", aggr.ChannelID)
	}
	events, err := json.Marshal(aggr.Events)
	if err != nil {
		return fmt.Errorf("encode event aggregate: %w", err)
	}
	tag, err := s.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO event_aggregates (channel_id, created, events)
		SELECT $1::text, $2::timestamptz, $3::jsonb
		WHERE NOT EXISTS (
			SELECT 1 FROM event_aggregates WHERE channel_id = $1 AND created >= $2
		)
	`, aggr.ChannelID, aggr.Created, events)
	if err != nil {
		return fmt.Errorf("insert event aggregate for %s: %w", aggr.ChannelID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s at %s: %w", aggr.ChannelID, aggr.Created, db.ErrStaleAggregate)
	}
	return nil
}

func (s *Store) EventAggregatesAfter(ctx context.Context, channelID string, after time.Time, limit int) ([]*types.EventAggregate, error) {
	query := `
		SELECT created, events FROM event_aggregates
		WHERE channel_id = $1 AND created > $2
		ORDER BY created ASC
	`
	args := []any{channelID, after}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event aggregates: %w", err)
	}
	defer rows.Close()

	var out []*types.EventAggregate
	for rows.Next() {
		a := types.NewEventAggregate(channelID)
		var raw []byte
		if err := rows.Scan(&a.Created, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &a.Events); err != nil {
			return nil, fmt.Errorf("decode event aggregate: %w", err)
		}
		a.Created = a.Created.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- validator messages

func (s *Store) InsertValidatorMessage(ctx context.Context, env *types.Envelope) error {
	if env == nil || env.Msg == nil {
		return fmt.Errorf("insert validator message: %w", types.ErrMalformedMessage)
	}
	raw, err := types.MarshalMessage(env.Msg)
	if err != nil {
		return err
	}
	_, err = s.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO validator_messages (channel_id, from_id, type, state_root, received, msg)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, env.ChannelID, env.From, string(env.Msg.Type()), types.StateRootOf(env.Msg), env.Received, raw)
	if err != nil {
		return fmt.Errorf("insert validator message: %w", err)
	}
	return nil
}

func scanEnvelope(row pgx.Row) (*types.Envelope, error) {
	env := &types.Envelope{}
	var raw []byte
	if err := row.Scan(&env.ChannelID, &env.From, &env.Received, &raw); err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	msg, err := types.UnmarshalMessage(raw)
	if err != nil {
		return nil, err
	}
	env.Msg = msg
	return env, nil
}

func (s *Store) LatestValidatorMessage(ctx context.Context, channelID, from string, kinds ...types.MessageType) (*types.Envelope, error) {
	query := `SELECT channel_id, from_id, received, msg FROM validator_messages WHERE channel_id = $1 AND from_id = $2`
	args := []any{channelID, from}
	if len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			names = append(names, string(k))
		}
		query += ` AND type = ANY($3)`
		args = append(args, names)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return scanEnvelope(s.GetExecutor(ctx).QueryRow(ctx, query, args...))
}

func (s *Store) ValidatorMessageByStateRoot(ctx context.Context, channelID, from string, kind types.MessageType, stateRoot string) (*types.Envelope, error) {
	return scanEnvelope(s.GetExecutor(ctx).QueryRow(ctx, `
		SELECT channel_id, from_id, received, msg FROM validator_messages
		WHERE channel_id = $1 AND from_id = $2 AND type = $3 AND state_root = $4
		ORDER BY id DESC LIMIT 1
	`, channelID, from, string(kind), stateRoot))
}
