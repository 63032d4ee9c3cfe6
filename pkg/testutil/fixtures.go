// Package testutil builds valid channels and signing identities for tests.
package testutil

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/outpace-network/validatorx/pkg/adapter"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/types"
)

var CoreAddress = common.HexToAddress("0x333420fc6a897356e69b62417cd17ff012177d2b")

var (
	leaderKey   = mustKey("1111111111111111111111111111111111111111111111111111111111111111")
	followerKey = mustKey("2222222222222222222222222222222222222222222222222222222222222222")
	creatorKey  = mustKey("3333333333333333333333333333333333333333333333333333333333333333")
)

var (
	LeaderID   = ethcrypto.PubkeyToAddress(leaderKey.PublicKey).Hex()
	FollowerID = ethcrypto.PubkeyToAddress(followerKey.PublicKey).Hex()
	CreatorID  = ethcrypto.PubkeyToAddress(creatorKey.PublicKey).Hex()

	DepositAsset = common.HexToAddress("0x89d24a6b4ccb1b6faa2625fe562bdd9a23260359").Hex()
	Publisher    = Address(0xa1)
	Publisher2   = Address(0xa2)
)

func mustKey(hexKey string) *ecdsa.PrivateKey {
	k, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}
	return k
}

// Address returns a checksummed address ending in n.
func Address(n int) string {
	return common.HexToAddress(fmt.Sprintf("0x%040x", n)).Hex()
}

func LeaderAdapter() *adapter.Ethereum   { return adapter.NewEthereum(leaderKey) }
func FollowerAdapter() *adapter.Ethereum { return adapter.NewEthereum(followerKey) }

type ChannelOption func(*types.Channel)

func WithDeposit(amount int64) ChannelOption {
	return func(c *types.Channel) { c.DepositAmount = types.NewBigInt(amount) }
}

func WithFees(leader, follower int64) ChannelOption {
	return func(c *types.Channel) {
		c.Spec.Validators[0].Fee = types.NewBigInt(leader)
		c.Spec.Validators[1].Fee = types.NewBigInt(follower)
	}
}

func WithPricingBounds(evType string, min, max int64) ChannelOption {
	return func(c *types.Channel) {
		if c.Spec.PricingBounds == nil {
			c.Spec.PricingBounds = map[string]types.PricingBound{}
		}
		c.Spec.PricingBounds[evType] = types.PricingBound{Min: types.NewBigInt(min), Max: types.NewBigInt(max)}
	}
}

func WithImpressionPrice(min, max int64) ChannelOption {
	return func(c *types.Channel) {
		lo, hi := types.NewBigInt(min), types.NewBigInt(max)
		c.Spec.MinPerImpression = &lo
		c.Spec.MaxPerImpression = &hi
	}
}

func WithPriceMultiplicationRules(rules ...types.PriceMultiplicationRule) ChannelOption {
	return func(c *types.Channel) { c.Spec.PriceMultiplicationRules = rules }
}

func WithTargetingRules(rules ...types.TargetingRule) ChannelOption {
	return func(c *types.Channel) { c.Spec.TargetingRules = rules }
}

func WithSubmission(rules ...types.SubmissionRule) ChannelOption {
	return func(c *types.Channel) { c.Spec.EventSubmission = &types.EventSubmission{Allow: rules} }
}

func WithValidUntil(t time.Time) ChannelOption {
	return func(c *types.Channel) { c.ValidUntil = t.Unix() }
}

func WithWithdrawPeriodStart(t time.Time) ChannelOption {
	return func(c *types.Channel) { c.Spec.WithdrawPeriodStart = t.UnixMilli() }
}

func WithNonce(nonce string) ChannelOption {
	return func(c *types.Channel) { c.Spec.Nonce = nonce }
}

// NewChannel returns a channel that passes outpace.ValidateChannel with
// CoreAddress: deposit 1000, validator fees 100 each.
func NewChannel(opts ...ChannelOption) *types.Channel {
	now := time.Now()
	ch := &types.Channel{
		Creator:       CreatorID,
		DepositAsset:  DepositAsset,
		DepositAmount: types.NewBigInt(1000),
		ValidUntil:    now.Add(365 * 24 * time.Hour).Unix(),
		Spec: types.ChannelSpec{
			Validators: []types.ValidatorDesc{
				{ID: LeaderID, URL: "http://leader.local", Fee: types.NewBigInt(100)},
				{ID: FollowerID, URL: "http://follower.local", Fee: types.NewBigInt(100)},
			},
			WithdrawPeriodStart: now.Add(180 * 24 * time.Hour).UnixMilli(),
			Nonce:               fmt.Sprintf("%d", now.UnixNano()),
		},
	}
	for _, opt := range opts {
		opt(ch)
	}
	id, err := outpace.ChannelID(CoreAddress, ch)
	if err != nil {
		panic(err)
	}
	ch.ID = id
	return ch
}

// Events returns n events of evType for publisher.
func Events(n int, evType, publisher string) []types.Event {
	out := make([]types.Event, n)
	for i := range out {
		out[i] = types.Event{Type: evType, Publisher: publisher}
	}
	return out
}

func Impressions(n int, publisher string) []types.Event {
	return Events(n, types.EventImpression, publisher)
}

// Lower returns the lower-cased form used by rule matchers.
func Lower(s string) string { return strings.ToLower(s) }
