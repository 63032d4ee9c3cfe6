package outpace_test

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/testutil"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/stretchr/testify/require"
)

func bal(kv ...any) types.Balances {
	out := types.Balances{}
	for i := 0; i < len(kv); i += 2 {
		out[kv[i].(string)] = big.NewInt(int64(kv[i+1].(int)))
	}
	return out
}

func TestStateRootFormat(t *testing.T) {
	ch := testutil.NewChannel()
	root, err := outpace.StateRootHex(ch.ID, bal(testutil.Publisher, 5))
	require.NoError(t, err)
	require.Len(t, root, types.StateRootLen)
	require.Equal(t, strings.ToLower(root), root)

	raw, err := outpace.DecodeStateRoot(root)
	require.NoError(t, err)
	require.Len(t, raw, 32)
}

func TestRejectDigestDiffersFromStateRoot(t *testing.T) {
	ch := testutil.NewChannel()
	root, err := outpace.StateRootHex(ch.ID, bal(testutil.Publisher, 5))
	require.NoError(t, err)
	raw, err := outpace.DecodeStateRoot(root)
	require.NoError(t, err)
	ts := time.UnixMilli(1_700_000_000_000)

	digest, err := outpace.RejectDigest(root, "TooLowHealth", ts)
	require.NoError(t, err)
	require.Len(t, digest, 32)
	require.NotEqual(t, raw, digest)

	again, err := outpace.RejectDigest(root, "TooLowHealth", ts.Add(400*time.Microsecond))
	require.NoError(t, err)
	require.Equal(t, digest, again)

	otherReason, err := outpace.RejectDigest(root, "InvalidSignature", ts)
	require.NoError(t, err)
	require.NotEqual(t, digest, otherReason)

	later, err := outpace.RejectDigest(root, "TooLowHealth", ts.Add(time.Second))
	require.NoError(t, err)
	require.NotEqual(t, digest, later)

	_, err = outpace.RejectDigest("abc", "TooLowHealth", ts)
	require.Error(t, err)
}

func TestStateRootSensitivity(t *testing.T) {
	ch := testutil.NewChannel()
	other := testutil.NewChannel(testutil.WithNonce("other"))
	require.NotEqual(t, ch.ID, other.ID)

	base, err := outpace.StateRootHex(ch.ID, bal(testutil.Publisher, 5, testutil.Publisher2, 7))
	require.NoError(t, err)

	same, err := outpace.StateRootHex(ch.ID, bal(testutil.Publisher2, 7, testutil.Publisher, 5))
	require.NoError(t, err)
	require.Equal(t, base, same)

	changed, err := outpace.StateRootHex(ch.ID, bal(testutil.Publisher, 6, testutil.Publisher2, 7))
	require.NoError(t, err)
	require.NotEqual(t, base, changed)

	otherChannel, err := outpace.StateRootHex(other.ID, bal(testutil.Publisher, 5, testutil.Publisher2, 7))
	require.NoError(t, err)
	require.NotEqual(t, base, otherChannel)

	_, err = outpace.StateRootHex(ch.ID, bal("not-an-address", 1))
	require.ErrorIs(t, err, outpace.ErrInvalidAddress)

	_, err = outpace.StateRootHex("0x1234", bal(testutil.Publisher, 1))
	require.ErrorIs(t, err, outpace.ErrInvalidChannelID)
}

func TestStateRootDeterministicProperty(t *testing.T) {
	ch := testutil.NewChannel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("root depends only on the balance entries", prop.ForAll(
		func(amounts []int64) bool {
			forward, backward := types.Balances{}, types.Balances{}
			for i, a := range amounts {
				forward[testutil.Address(i+1)] = big.NewInt(a)
			}
			for i := len(amounts) - 1; i >= 0; i-- {
				backward[testutil.Address(i+1)] = big.NewInt(amounts[i])
			}
			a, errA := outpace.StateRootHex(ch.ID, forward)
			b, errB := outpace.StateRootHex(ch.ID, backward)
			return errA == nil && errB == nil && a == b
		},
		gen.SliceOfN(8, gen.Int64Range(0, 1_000_000)),
	))
	properties.TestingRun(t)
}

func TestHeartbeatStateRoot(t *testing.T) {
	ch := testutil.NewChannel()
	now := time.UnixMilli(1_700_000_000_000)
	a, err := outpace.HeartbeatStateRoot(ch.ID, now)
	require.NoError(t, err)
	b, err := outpace.HeartbeatStateRoot(ch.ID, now)
	require.NoError(t, err)
	c, err := outpace.HeartbeatStateRoot(ch.ID, now.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestBalanceProof(t *testing.T) {
	ch := testutil.NewChannel()
	balances := bal(testutil.Publisher, 5, testutil.Publisher2, 7, testutil.Address(3), 11)

	p, err := outpace.NewBalanceProof(ch.ID, balances, testutil.Lower(testutil.Publisher2))
	require.NoError(t, err)
	require.Equal(t, testutil.Publisher2, p.Address)
	require.True(t, outpace.VerifyBalanceProof(ch.ID, p))

	root, err := outpace.StateRootHex(ch.ID, balances)
	require.NoError(t, err)
	require.Equal(t, root, p.StateRoot)

	p.Amount = big.NewInt(8)
	require.False(t, outpace.VerifyBalanceProof(ch.ID, p))

	_, err = outpace.NewBalanceProof(ch.ID, balances, testutil.Address(99))
	require.Error(t, err)
}

func TestChannelIDIsStable(t *testing.T) {
	ch := testutil.NewChannel()
	id, err := outpace.ChannelID(testutil.CoreAddress, ch)
	require.NoError(t, err)
	require.Equal(t, ch.ID, id)

	// rule overrides and the exhausted flag are not part of the identity
	ch.TargetingRules = []types.TargetingRule{types.OnlyShowIf(types.BoolLit{Value: true})}
	ch.Exhausted = true
	id, err = outpace.ChannelID(testutil.CoreAddress, ch)
	require.NoError(t, err)
	require.Equal(t, ch.ID, id)

	ch.DepositAmount = types.NewBigInt(1001)
	id, err = outpace.ChannelID(testutil.CoreAddress, ch)
	require.NoError(t, err)
	require.NotEqual(t, ch.ID, id)
}

func TestValidateChannel(t *testing.T) {
	rules := outpace.ChannelRules{
		CoreAddress:  testutil.CoreAddress,
		MaxSpecBytes: 35000,
		MinDeposit:   map[string]*big.Int{strings.ToLower(testutil.DepositAsset): big.NewInt(100)},
		MinFee:       map[string]*big.Int{strings.ToLower(testutil.DepositAsset): big.NewInt(10)},
		Identity:     testutil.LeaderID,
	}
	require.NoError(t, outpace.ValidateChannel(testutil.NewChannel(), rules))

	cases := []struct {
		name   string
		ch     *types.Channel
		rules  func(outpace.ChannelRules) outpace.ChannelRules
		reason string
	}{
		{name: "deposit below minimum", ch: testutil.NewChannel(testutil.WithDeposit(50), testutil.WithFees(10, 10)), reason: "minimum"},
		{name: "fee below minimum", ch: testutil.NewChannel(testutil.WithFees(5, 100)), reason: "fee below"},
		{name: "fees exceed deposit", ch: testutil.NewChannel(testutil.WithFees(600, 600)), reason: "exceed"},
		{name: "inverted bounds", ch: testutil.NewChannel(testutil.WithPricingBounds(types.EventClick, 3, 1)), reason: "min > max"},
		{
			name:   "not our channel",
			ch:     testutil.NewChannel(),
			rules:  func(r outpace.ChannelRules) outpace.ChannelRules { r.Identity = testutil.CreatorID; return r },
			reason: "not a validator",
		},
		{
			name:   "spec too large",
			ch:     testutil.NewChannel(testutil.WithNonce(strings.Repeat("x", 40000))),
			reason: "limit",
		},
		{
			name:   "other core",
			ch:     testutil.NewChannel(),
			rules:  func(r outpace.ChannelRules) outpace.ChannelRules { r.CoreAddress[0] ^= 0xff; return r },
			reason: "id",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := rules
			if tc.rules != nil {
				r = tc.rules(r)
			}
			err := outpace.ValidateChannel(tc.ch, r)
			require.ErrorIs(t, err, outpace.ErrInvalidChannel)
			require.Contains(t, err.Error(), tc.reason)
		})
	}

	t.Run("lowercase creator", func(t *testing.T) {
		ch := testutil.NewChannel()
		ch.Creator = testutil.Lower(ch.Creator)
		require.ErrorIs(t, outpace.ValidateChannel(ch, rules), outpace.ErrInvalidChannel)
	})
	t.Run("three validators", func(t *testing.T) {
		ch := testutil.NewChannel()
		ch.Spec.Validators = append(ch.Spec.Validators, types.ValidatorDesc{ID: testutil.Address(7), Fee: types.NewBigInt(1)})
		require.ErrorIs(t, outpace.ValidateChannel(ch, rules), outpace.ErrInvalidChannel)
	})
	t.Run("tampered id", func(t *testing.T) {
		ch := testutil.NewChannel()
		ch.ID = "0x" + hex.EncodeToString(make([]byte, 32))
		require.ErrorIs(t, outpace.ValidateChannel(ch, rules), outpace.ErrInvalidChannel)
	})
}

func TestBalancesAfterFees(t *testing.T) {
	ch := testutil.NewChannel()

	after, err := outpace.BalancesAfterFees(ch, bal(testutil.Publisher, 201))
	require.NoError(t, err)
	require.Equal(t, int64(160), after.Get(testutil.Publisher).Int64())
	require.Equal(t, int64(20), after.Get(testutil.FollowerID).Int64())
	require.Equal(t, int64(21), after.Get(testutil.LeaderID).Int64())
	require.Equal(t, int64(201), after.Sum().Int64())

	// ten impressions then a close paying the rest to the creator
	after, err = outpace.BalancesAfterFees(ch, bal(testutil.Publisher, 10, testutil.CreatorID, 990))
	require.NoError(t, err)
	require.Equal(t, int64(792), after.Get(testutil.CreatorID).Int64())
	require.Equal(t, int64(8), after.Get(testutil.Publisher).Int64())
	require.Equal(t, int64(100), after.Get(testutil.LeaderID).Int64())
	require.Equal(t, int64(100), after.Get(testutil.FollowerID).Int64())
	require.Equal(t, int64(1000), after.Sum().Int64())

	empty, err := outpace.BalancesAfterFees(ch, types.Balances{})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestBalancesAfterFeesUsesFeeAddr(t *testing.T) {
	ch := testutil.NewChannel()
	ch.Spec.Validators[1].FeeAddr = testutil.Address(0xfee)

	after, err := outpace.BalancesAfterFees(ch, bal(testutil.Publisher, 1000))
	require.NoError(t, err)
	require.Equal(t, int64(100), after.Get(testutil.Address(0xfee)).Int64())
	_, ok := after[testutil.FollowerID]
	require.False(t, ok)
}

func TestBalancesAfterFeesProperty(t *testing.T) {
	ch := testutil.NewChannel(testutil.WithDeposit(10_000), testutil.WithFees(37, 113))
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fees conserve the total and never shrink an entry", prop.ForAll(
		func(a, b, extra int64) bool {
			before := bal(testutil.Publisher, int(a), testutil.Publisher2, int(b))
			grown := bal(testutil.Publisher, int(a+extra), testutil.Publisher2, int(b))

			x, err := outpace.BalancesAfterFees(ch, before)
			if err != nil || x.Sum().Cmp(before.Sum()) != 0 {
				return false
			}
			y, err := outpace.BalancesAfterFees(ch, grown)
			if err != nil || y.Sum().Cmp(grown.Sum()) != 0 {
				return false
			}
			for k, v := range x {
				if y.Get(k).Cmp(v) < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 4000),
		gen.Int64Range(0, 4000),
		gen.Int64Range(0, 2000),
	))
	properties.TestingRun(t)
}

func TestMergePayouts(t *testing.T) {
	deposit := big.NewInt(100)
	balances := bal(testutil.Publisher, 90)

	dropped, err := outpace.MergePayouts(balances, bal(testutil.Publisher, 5, testutil.Publisher2, 20), deposit)
	require.NoError(t, err)
	require.Equal(t, int64(15), dropped.Int64())
	require.Equal(t, int64(100), balances.Sum().Int64())
	require.Equal(t, int64(95), balances.Get(testutil.Publisher).Int64())
	require.Equal(t, int64(5), balances.Get(testutil.Publisher2).Int64())

	_, err = outpace.MergePayouts(bal(testutil.Publisher, 101), types.Balances{}, deposit)
	require.Error(t, err)
}

func TestIsValidTransition(t *testing.T) {
	ch := testutil.NewChannel()
	prev := bal(testutil.Publisher, 10)

	require.True(t, outpace.IsValidTransition(ch, types.Balances{}, prev))
	require.True(t, outpace.IsValidTransition(ch, prev, bal(testutil.Publisher, 10, testutil.Publisher2, 1)))
	require.False(t, outpace.IsValidTransition(ch, prev, bal(testutil.Publisher, 9)), "balance decreased")
	require.False(t, outpace.IsValidTransition(ch, prev, bal(testutil.Publisher2, 50)), "entry removed")
	require.False(t, outpace.IsValidTransition(ch, prev, bal(testutil.Publisher, 1001)), "over deposit")
}

func TestHealthPromilles(t *testing.T) {
	ch := testutil.NewChannel()

	require.Equal(t, int64(outpace.MaxHealth), outpace.HealthPromilles(ch, bal(testutil.Publisher, 60), bal(testutil.Publisher, 60)))
	require.Equal(t, int64(941), outpace.HealthPromilles(ch, bal(testutil.Publisher, 60), bal(testutil.Publisher, 1)))
	require.Equal(t, int64(703), outpace.HealthPromilles(ch, bal(testutil.Publisher, 300), bal(testutil.Publisher, 3)))
	// entries only one side has count in full
	require.Equal(t, int64(990), outpace.HealthPromilles(ch, bal(testutil.Publisher, 5), bal(testutil.Publisher, 5, testutil.Publisher2, 10)))
	require.Equal(t, int64(0), outpace.HealthPromilles(ch, bal(testutil.Publisher, 1000), types.Balances{}))
}

func TestIsExhausted(t *testing.T) {
	ch := testutil.NewChannel()
	require.False(t, outpace.IsExhausted(ch, bal(testutil.Publisher, 999)))
	require.True(t, outpace.IsExhausted(ch, bal(testutil.Publisher, 990, testutil.LeaderID, 10)))
}
