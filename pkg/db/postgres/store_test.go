package postgres_test

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/outpace-network/validatorx/pkg/db"
	"github.com/outpace-network/validatorx/pkg/db/postgres"
	"github.com/outpace-network/validatorx/pkg/testutil"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := postgres.NewStore(ctx, zaptest.NewLogger(t), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChannelRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ch := testutil.NewChannel(testutil.WithPricingBounds(types.EventClick, 1, 3))

	require.NoError(t, s.InsertChannel(ctx, ch))
	require.ErrorIs(t, s.InsertChannel(ctx, ch), db.ErrAlreadyExists)

	got, err := s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, ch.ID, got.ID)
	require.Equal(t, ch.Deposit().String(), got.Deposit().String())
	require.Equal(t, int64(3), got.Spec.PricingBounds[types.EventClick].Max.Int64())
	require.Nil(t, got.TargetingRules)

	rules := []types.TargetingRule{types.OnlyShowIf(types.BoolLit{Value: true})}
	require.NoError(t, s.UpdateChannelRules(ctx, ch.ID, db.RulesUpdate{TargetingRules: &rules}))
	require.NoError(t, s.MarkExhausted(ctx, ch.ID))

	got, err = s.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, got.TargetingRules, 1)
	require.True(t, got.Exhausted)

	listed, err := s.ListChannels(ctx, db.ChannelFilter{Validator: testutil.LeaderID, ValidAt: time.Now()})
	require.NoError(t, err)
	found := false
	for _, c := range listed {
		found = found || c.ID == ch.ID
	}
	require.True(t, found)

	_, err = s.GetChannel(ctx, "0xmissing")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestEventAggregatesAndMessages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ch := testutil.NewChannel()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		a := types.NewEventAggregate(ch.ID)
		a.Created = base.Add(time.Duration(i) * time.Millisecond)
		a.Count(types.EventImpression, testutil.Publisher)
		a.Pay(types.EventImpression, testutil.Publisher, big.NewInt(int64(i+1)))
		require.NoError(t, s.InsertEventAggregate(ctx, a))
	}
	stale := types.NewEventAggregate(ch.ID)
	stale.Created = base
	require.ErrorIs(t, s.InsertEventAggregate(ctx, stale), db.ErrStaleAggregate)

	got, err := s.EventAggregatesAfter(ctx, ch.ID, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Created.Equal(base.Add(time.Millisecond)))
	require.Equal(t, int64(2), got[0].Events[types.EventImpression].EventPayouts.Get(testutil.Publisher).Int64())

	root := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	env := &types.Envelope{
		ChannelID: ch.ID,
		From:      testutil.FollowerID,
		Received:  time.Now(),
		Msg:       &types.ApproveState{StateRoot: root, Signature: "0x1", IsHealthy: true},
	}
	require.NoError(t, s.InsertValidatorMessage(ctx, env))

	latest, err := s.LatestValidatorMessage(ctx, ch.ID, testutil.FollowerID, types.TypeApproveState, types.TypeRejectState)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.True(t, latest.Msg.(*types.ApproveState).IsHealthy)

	byRoot, err := s.ValidatorMessageByStateRoot(ctx, ch.ID, testutil.FollowerID, types.TypeApproveState, root)
	require.NoError(t, err)
	require.NotNil(t, byRoot)

	none, err := s.LatestValidatorMessage(ctx, ch.ID, testutil.LeaderID)
	require.NoError(t, err)
	require.Nil(t, none)
}
