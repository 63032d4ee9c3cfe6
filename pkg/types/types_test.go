package types

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var root = strings.Repeat("ab", 32)

func TestParseAmount(t *testing.T) {
	n, err := ParseAmount("1000000000000000000000")
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000000", n.String())

	for _, bad := range []string{"", "-1", "1e3", " 1", "0x10", "1.5"} {
		_, err := ParseAmount(bad)
		require.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestBigIntJSON(t *testing.T) {
	var v struct {
		A BigInt `json:"a"`
		B BigInt `json:"b"`
		C BigInt `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12","b":34}`), &v))
	require.Equal(t, int64(12), v.A.Int64())
	require.Equal(t, int64(34), v.B.Int64())
	require.False(t, v.C.IsSet())
	require.Zero(t, v.C.Value().Sign())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"12","b":"34","c":"0"}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"a":"-5"}`), &v))
}

func TestRatioJSON(t *testing.T) {
	var r Ratio
	require.NoError(t, json.Unmarshal([]byte(`1.15`), &r))
	require.Equal(t, "23/20", r.RatString())
	require.NoError(t, json.Unmarshal([]byte(`"3/2"`), &r))
	require.Equal(t, "3/2", r.RatString())
	require.Error(t, json.Unmarshal([]byte(`"-1"`), &r))

	for _, bad := range []string{`"1e999999999"`, `1E9`, `"0x10"`, `"+2"`, `""`, `"` + strings.Repeat("9", 65) + `"`} {
		require.Error(t, json.Unmarshal([]byte(bad), &r), bad)
	}
	require.Equal(t, "3/2", r.RatString(), "a failed parse leaves the value alone")
}

func TestBalancesJSON(t *testing.T) {
	var b Balances
	require.NoError(t, json.Unmarshal([]byte(`{"0xa":"5","0xb":"10"}`), &b))
	require.Equal(t, int64(15), b.Sum().Int64())
	require.Equal(t, []string{"0xa", "0xb"}, b.Keys())

	require.Error(t, json.Unmarshal([]byte(`{"0xa":5}`), &b))
	require.Error(t, json.Unmarshal([]byte(`{"":"5"}`), &b))
	require.Error(t, json.Unmarshal([]byte(`{"0xa":"-5"}`), &b))
}

func TestBalancesAddDoesNotAlias(t *testing.T) {
	amount := big.NewInt(5)
	b := Balances{}
	b.Add("k", amount)
	b.Add("k", amount)
	require.Equal(t, int64(10), b.Get("k").Int64())
	require.Equal(t, int64(5), amount.Int64())

	c := b.Clone()
	c.Add("k", big.NewInt(1))
	require.Equal(t, int64(10), b.Get("k").Int64())
	require.False(t, b.Equal(c))
}

func TestMessageValidation(t *testing.T) {
	valid := []Message{
		&NewState{StateRoot: root, Signature: "0x1", Balances: Balances{"a": big.NewInt(1)}},
		&ApproveState{StateRoot: root, Signature: "0x1", IsHealthy: true},
		&RejectState{StateRoot: root, Reason: "TooLowHealth", Timestamp: time.Now()},
		&Heartbeat{StateRoot: root, Signature: "0x1", Timestamp: time.Now()},
		&Accounting{BalancesBeforeFees: Balances{"a": big.NewInt(1)}, Balances: Balances{"a": big.NewInt(1)}, LastEvAggr: time.Now()},
	}
	for _, m := range valid {
		require.NoError(t, m.Validate(), m.Type())
	}

	invalid := []Message{
		&NewState{StateRoot: root, Signature: "0x1"},
		&NewState{StateRoot: root[:10], Signature: "0x1", Balances: Balances{"a": big.NewInt(1)}},
		&ApproveState{StateRoot: strings.Repeat("zz", 32), Signature: "0x1"},
		&RejectState{StateRoot: root},
		&Heartbeat{StateRoot: root, Signature: "0x1"},
		EmptyAccounting(),
	}
	for _, m := range invalid {
		require.ErrorIs(t, m.Validate(), ErrMalformedMessage, m.Type())
	}
}

func TestMessageTypeDiscriminator(t *testing.T) {
	raw, err := MarshalMessage(&ApproveState{StateRoot: root, Signature: "0x1", IsHealthy: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ApproveState","stateRoot":"`+root+`","signature":"0x1","isHealthy":true,"exhausted":false}`, string(raw))

	m, err := UnmarshalMessage(raw)
	require.NoError(t, err)
	approve, ok := m.(*ApproveState)
	require.True(t, ok)
	require.True(t, approve.IsHealthy)

	_, err = UnmarshalMessage([]byte(`{"type":"Whatever"}`))
	require.ErrorIs(t, err, ErrUnknownMessage)
	_, err = UnmarshalMessage([]byte(`{"type":"NewState","balances":{"a":1}}`))
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{
		ChannelID: "0x01",
		From:      "0xleader",
		Received:  time.Unix(1700000000, 0).UTC(),
		Msg:       &NewState{StateRoot: root, Signature: "0x1", Balances: Balances{"a": big.NewInt(3)}},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":"NewState"`)

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, env.From, back.From)
	require.True(t, env.Received.Equal(back.Received))
	require.Equal(t, int64(3), back.Msg.(*NewState).Balances.Get("a").Int64())
}

func TestTargetingRuleJSON(t *testing.T) {
	raw := `[
		{"onlyShowIf":{"startsWith":[{"get":"referrerHostname"},"news."]}},
		{"if":[{"eq":[{"get":"country"},"US"]},{"set":["price.CLICK",{"bn":"2"}]}]}
	]`
	var rules []TargetingRule
	require.NoError(t, json.Unmarshal([]byte(raw), &rules))
	require.Len(t, rules, 2)
	require.Equal(t, StartsWith{Subject: Get{Attr: "referrerHostname"}, Prefix: StringLit{Value: "news."}}, rules[0].OnlyShowIf)
	require.Equal(t, "price.CLICK", rules[1].Then.Field)
	require.Equal(t, int64(2), rules[1].Then.Value.(BigLit).Value.Int64())

	out, err := json.Marshal(rules)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out))

	for _, bad := range []string{
		`{}`,
		`{"if":[true]}`,
		`{"if":[true,{"set":["targeting.x",1]}]}`,
		`{"if":[{"gt":[1,2]},{"set":["price.CLICK",1]}]}`,
		`{"onlyShowIf":{"bn":"-1"}}`,
	} {
		var r TargetingRule
		require.ErrorIs(t, json.Unmarshal([]byte(bad), &r), ErrInvalidRule, bad)
	}
}

func TestChannelPeriods(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ch := &Channel{ValidUntil: now.Unix() + 10, Spec: ChannelSpec{WithdrawPeriodStart: now.Add(-time.Second).UnixMilli()}}
	require.False(t, ch.Expired(now))
	require.True(t, ch.Expired(now.Add(11*time.Second)))
	require.True(t, ch.InWithdrawPeriod(now))

	ch.Spec.WithdrawPeriodStart = 0
	require.False(t, ch.InWithdrawPeriod(now))
}

func TestEventAggregate(t *testing.T) {
	a := NewEventAggregate("0x01")
	require.True(t, a.IsEmpty())
	a.Count(EventImpression, "p")
	a.Pay(EventImpression, "p", big.NewInt(0))
	require.False(t, a.IsEmpty())
	require.Empty(t, a.Events[EventImpression].EventPayouts)
	a.Pay(EventImpression, "p", big.NewInt(3))
	require.Equal(t, int64(3), a.Events[EventImpression].EventPayouts.Get("p").Int64())
}
