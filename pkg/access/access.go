// Package access decides whether a batch of events may be recorded for a
// channel.
package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/outpace-network/validatorx/pkg/redis"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/utils"
)

// Verdict is the outcome of an access check. Rejections are values, not
// errors.
type Verdict struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
}

var Allowed = Verdict{Success: true, StatusCode: http.StatusOK}

func deny(code int, msg string) Verdict {
	return Verdict{StatusCode: code, Message: msg}
}

// DefaultSubmissionRules lets the creator submit freely and everyone else one
// event per IP per second.
func DefaultSubmissionRules(ch *types.Channel) []types.SubmissionRule {
	return []types.SubmissionRule{
		{UIDs: []string{ch.Creator}},
		{RateLimit: &types.RateLimit{Type: types.RateLimitIP, TimeFrame: 1000}},
	}
}

func creatorOnly(ev types.Event) bool {
	return ev.Type == types.EventClose || ev.IsUpdate()
}

// Check applies, in order: expiry, withdraw period, exhaustion, creator-only
// event types and the channel's submission rules. Only limiter failures are
// returned as errors.
func Check(ctx context.Context, limiter Limiter, ch *types.Channel, sess types.Session, events []types.Event, now time.Time) (Verdict, error) {
	if ch.Expired(now) {
		return deny(http.StatusGone, "channel is expired"), nil
	}
	if ch.InWithdrawPeriod(now) {
		for _, ev := range events {
			if ev.Type != types.EventClose {
				return deny(http.StatusGone, "channel is in withdraw period"), nil
			}
		}
	}
	if ch.Exhausted {
		return deny(http.StatusGone, "channel is exhausted"), nil
	}

	isCreator := sess.UID != "" && strings.EqualFold(sess.UID, ch.Creator)
	for _, ev := range events {
		if creatorOnly(ev) && !isCreator {
			return deny(http.StatusForbidden, fmt.Sprintf("only the channel creator can send %s", ev.Type)), nil
		}
	}

	rules := DefaultSubmissionRules(ch)
	if ch.Spec.EventSubmission != nil && ch.Spec.EventSubmission.Allow != nil {
		rules = ch.Spec.EventSubmission.Allow
	}
	rule, ok := matchRule(rules, sess)
	if !ok {
		return deny(http.StatusForbidden, "event submission restricted"), nil
	}
	if rule.RateLimit == nil {
		return Allowed, nil
	}
	return checkRateLimit(ctx, limiter, ch, sess, events, rule.RateLimit)
}

// matchRule returns the first rule whose uid list admits sess.
func matchRule(rules []types.SubmissionRule, sess types.Session) (types.SubmissionRule, bool) {
	for _, r := range rules {
		if r.UIDs == nil || (sess.UID != "" && utils.ContainsFold(r.UIDs, sess.UID)) {
			return r, true
		}
	}
	return types.SubmissionRule{}, false
}

func checkRateLimit(ctx context.Context, limiter Limiter, ch *types.Channel, sess types.Session, events []types.Event, rl *types.RateLimit) (Verdict, error) {
	var subject string
	switch rl.Type {
	case types.RateLimitIP:
		if len(events) != 1 {
			return deny(http.StatusTooManyRequests, "rateLimit: only allows 1 event"), nil
		}
		if sess.IP == "" {
			return deny(http.StatusForbidden, "rateLimit: unable to find ip"), nil
		}
		subject = sess.IP
	case types.RateLimitUID:
		if sess.UID == "" {
			return deny(http.StatusUnauthorized, "rateLimit: unauthenticated request"), nil
		}
		subject = strings.ToLower(sess.UID)
	default:
		return deny(http.StatusInternalServerError, fmt.Sprintf("rateLimit: unknown type %q", rl.Type)), nil
	}

	window := time.Duration(rl.TimeFrame) * time.Millisecond
	if window <= 0 {
		return Allowed, nil
	}
	ok, err := limiter.Allow(ctx, redis.RateLimitKey(ch.ID, rl.Type, subject), window)
	if err != nil {
		return Verdict{}, fmt.Errorf("rate limit %s: %w", rl.Type, err)
	}
	if !ok {
		return deny(http.StatusTooManyRequests, "rateLimit: too many requests"), nil
	}
	return Allowed, nil
}
