package types

import (
	"math/big"
	"time"
)

const (
	EventImpression                = "IMPRESSION"
	EventClick                     = "CLICK"
	EventClose                     = "CLOSE"
	EventUpdatePriceMultiplication = "UPDATE_PRICE_MULTIPLICATION_RULES"
	EventUpdateTargeting           = "UPDATE_TARGETING"
)

const (
	RateLimitIP  = "ip"
	RateLimitUID = "uid"
)

// ValidatorDesc describes one of the channel's validators.
type ValidatorDesc struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Fee     BigInt `json:"fee"`
	FeeAddr string `json:"feeAddr,omitempty"`
}

// FeeKey is the balance key fees are paid to.
func (v ValidatorDesc) FeeKey() string {
	if v.FeeAddr != "" {
		return v.FeeAddr
	}
	return v.ID
}

type PricingBound struct {
	Min BigInt `json:"min"`
	Max BigInt `json:"max"`
}

// PriceMultiplicationRule matches events by the optional lower-cased lists and
// either fixes the price (Amount) or scales it (Multiplier).
type PriceMultiplicationRule struct {
	Multiplier *Ratio   `json:"multiplier,omitempty"`
	Amount     *BigInt  `json:"amount,omitempty"`
	EventType  []string `json:"eventType,omitempty"`
	Publisher  []string `json:"publisher,omitempty"`
	OsType     []string `json:"osType,omitempty"`
	Country    []string `json:"country,omitempty"`
}

type RateLimit struct {
	Type      string `json:"type"`
	TimeFrame int64  `json:"timeframe"`
}

// SubmissionRule allows the listed uids (nil means anyone) to submit events,
// optionally rate limited.
type SubmissionRule struct {
	UIDs      []string   `json:"uids,omitempty"`
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

type EventSubmission struct {
	Allow []SubmissionRule `json:"allow"`
}

type ChannelSpec struct {
	Validators               []ValidatorDesc           `json:"validators"`
	PricingBounds            map[string]PricingBound   `json:"pricingBounds,omitempty"`
	MinPerImpression         *BigInt                   `json:"minPerImpression,omitempty"`
	MaxPerImpression         *BigInt                   `json:"maxPerImpression,omitempty"`
	PriceMultiplicationRules []PriceMultiplicationRule `json:"priceMultiplicationRules,omitempty"`
	TargetingRules           []TargetingRule           `json:"targetingRules,omitempty"`
	EventSubmission          *EventSubmission          `json:"eventSubmission,omitempty"`
	WithdrawPeriodStart      int64                     `json:"withdrawPeriodStart"`
	Nonce                    string                    `json:"nonce,omitempty"`
	Created                  int64                     `json:"created,omitempty"`
}

// Channel is immutable except for the two rule overrides, which update events
// replace wholesale, and the exhausted flag.
type Channel struct {
	ID            string      `json:"id"`
	Creator       string      `json:"creator"`
	DepositAsset  string      `json:"depositAsset"`
	DepositAmount BigInt      `json:"depositAmount"`
	ValidUntil    int64       `json:"validUntil"`
	Spec          ChannelSpec `json:"spec"`

	PriceMultiplicationRules []PriceMultiplicationRule `json:"priceMultiplicationRules,omitempty"`
	TargetingRules           []TargetingRule           `json:"targetingRules,omitempty"`
	Exhausted                bool                      `json:"exhausted,omitempty"`
}

func (c *Channel) Leader() ValidatorDesc   { return c.Spec.Validators[0] }
func (c *Channel) Follower() ValidatorDesc { return c.Spec.Validators[1] }

// ValidatorIndex returns the position of id in the validator set, or -1.
func (c *Channel) ValidatorIndex(id string) int {
	for i, v := range c.Spec.Validators {
		if v.ID == id {
			return i
		}
	}
	return -1
}

func (c *Channel) Deposit() *big.Int { return c.DepositAmount.Value() }

func (c *Channel) EffectivePriceMultiplicationRules() []PriceMultiplicationRule {
	if c.PriceMultiplicationRules != nil {
		return c.PriceMultiplicationRules
	}
	return c.Spec.PriceMultiplicationRules
}

func (c *Channel) EffectiveTargetingRules() []TargetingRule {
	if c.TargetingRules != nil {
		return c.TargetingRules
	}
	return c.Spec.TargetingRules
}

func (c *Channel) Expired(now time.Time) bool {
	return now.Unix() > c.ValidUntil
}

func (c *Channel) InWithdrawPeriod(now time.Time) bool {
	return c.Spec.WithdrawPeriodStart > 0 && now.UnixMilli() > c.Spec.WithdrawPeriodStart
}

// Clone returns a copy safe to hand to another goroutine. Rule slices are
// shared; they are replaced wholesale, never mutated.
func (c *Channel) Clone() *Channel {
	cp := *c
	return &cp
}
