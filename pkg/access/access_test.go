package access

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/outpace-network/validatorx/pkg/testutil"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/stretchr/testify/require"
)

func check(t *testing.T, l Limiter, ch *types.Channel, sess types.Session, events []types.Event, now time.Time) Verdict {
	t.Helper()
	v, err := Check(context.Background(), l, ch, sess, events, now)
	require.NoError(t, err)
	return v
}

func TestChannelLifecycle(t *testing.T) {
	now := time.Now()
	creator := types.Session{UID: testutil.CreatorID, IP: "1.1.1.1"}
	l := NewMemoryLimiter(100, time.Minute)

	expired := testutil.NewChannel(testutil.WithValidUntil(now.Add(-time.Second)))
	v := check(t, l, expired, creator, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusGone, v.StatusCode)
	require.False(t, v.Success)

	withdrawing := testutil.NewChannel(testutil.WithWithdrawPeriodStart(now.Add(-time.Second)))
	v = check(t, l, withdrawing, creator, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusGone, v.StatusCode)
	require.Equal(t, "channel is in withdraw period", v.Message)

	v = check(t, l, withdrawing, creator, []types.Event{{Type: types.EventClose}}, now)
	require.True(t, v.Success)

	exhausted := testutil.NewChannel()
	exhausted.Exhausted = true
	v = check(t, l, exhausted, creator, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusGone, v.StatusCode)
	require.Equal(t, "channel is exhausted", v.Message)
}

func TestCreatorOnlyEvents(t *testing.T) {
	ch := testutil.NewChannel()
	l := NewMemoryLimiter(100, time.Minute)
	now := time.Now()

	for _, evType := range []string{types.EventClose, types.EventUpdateTargeting, types.EventUpdatePriceMultiplication} {
		v := check(t, l, ch, types.Session{UID: testutil.Publisher, IP: "1.1.1.1"}, []types.Event{{Type: evType}}, now)
		require.Equal(t, http.StatusForbidden, v.StatusCode, evType)

		v = check(t, l, ch, types.Session{UID: testutil.Lower(testutil.CreatorID)}, []types.Event{{Type: evType}}, now)
		require.True(t, v.Success, evType)
	}
}

func TestDefaultRulesRateLimitByIP(t *testing.T) {
	ch := testutil.NewChannel()
	l := NewMemoryLimiter(100, time.Minute)
	now := time.Now()
	anon := types.Session{IP: "10.0.0.1"}

	v := check(t, l, ch, anon, testutil.Impressions(2, testutil.Publisher), now)
	require.Equal(t, http.StatusTooManyRequests, v.StatusCode)
	require.Equal(t, "rateLimit: only allows 1 event", v.Message)

	v = check(t, l, ch, anon, testutil.Impressions(1, testutil.Publisher), now)
	require.True(t, v.Success)

	v = check(t, l, ch, anon, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusTooManyRequests, v.StatusCode)
	require.Equal(t, "rateLimit: too many requests", v.Message)

	// another ip has its own budget
	v = check(t, l, ch, types.Session{IP: "10.0.0.2"}, testutil.Impressions(1, testutil.Publisher), now)
	require.True(t, v.Success)

	// the creator is not limited
	for i := 0; i < 3; i++ {
		v = check(t, l, ch, types.Session{UID: testutil.CreatorID, IP: "10.0.0.1"}, testutil.Impressions(5, testutil.Publisher), now)
		require.True(t, v.Success)
	}
}

func TestCustomSubmissionRules(t *testing.T) {
	ch := testutil.NewChannel(testutil.WithSubmission(
		types.SubmissionRule{UIDs: []string{testutil.Publisher}, RateLimit: &types.RateLimit{Type: types.RateLimitUID, TimeFrame: 60_000}},
	))
	l := NewMemoryLimiter(100, time.Minute)
	now := time.Now()

	v := check(t, l, ch, types.Session{UID: testutil.Publisher2}, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusForbidden, v.StatusCode)

	v = check(t, l, ch, types.Session{IP: "1.2.3.4"}, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusForbidden, v.StatusCode)

	v = check(t, l, ch, types.Session{UID: testutil.Publisher}, testutil.Impressions(3, testutil.Publisher), now)
	require.True(t, v.Success)
	v = check(t, l, ch, types.Session{UID: testutil.Lower(testutil.Publisher)}, testutil.Impressions(1, testutil.Publisher), now)
	require.Equal(t, http.StatusTooManyRequests, v.StatusCode)
}

func TestOpenSubmissionRules(t *testing.T) {
	ch := testutil.NewChannel(testutil.WithSubmission(types.SubmissionRule{}))
	l := NewMemoryLimiter(100, time.Minute)
	for i := 0; i < 3; i++ {
		v := check(t, l, ch, types.Session{}, testutil.Impressions(10, testutil.Publisher), time.Now())
		require.True(t, v.Success)
	}
}

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter(10, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := l.Allow(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = l.Allow(ctx, "k", time.Second)
	require.False(t, ok)

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "k", time.Second)
	require.True(t, ok)
}
