package types

import (
	"math/big"
	"time"
)

// Event is one raw usage event as submitted to a sentry.
type Event struct {
	Type      string `json:"type"`
	Publisher string `json:"publisher,omitempty"`
	AdUnit    string `json:"adUnit,omitempty"`
	AdSlot    string `json:"adSlot,omitempty"`

	// only set on update events
	PriceMultiplicationRules []PriceMultiplicationRule `json:"priceMultiplicationRules,omitempty"`
	TargetingRules           []TargetingRule           `json:"targetingRules,omitempty"`
}

func (e Event) IsUpdate() bool {
	return e.Type == EventUpdatePriceMultiplication || e.Type == EventUpdateTargeting
}

// Session is what the transport layer knows about the submitter.
type Session struct {
	UID              string `json:"uid,omitempty"`
	IP               string `json:"ip,omitempty"`
	Country          string `json:"country,omitempty"`
	OS               string `json:"os,omitempty"`
	ReferrerHostname string `json:"referrerHostname,omitempty"`
}

type EventCounters struct {
	EventCounts  Balances `json:"eventCounts"`
	EventPayouts Balances `json:"eventPayouts"`
}

// EventAggregate is a fold of events for one channel. Created is assigned at
// persist time.
type EventAggregate struct {
	ChannelID string                    `json:"channelId"`
	Created   time.Time                 `json:"created"`
	Events    map[string]*EventCounters `json:"events"`
}

func NewEventAggregate(channelID string) *EventAggregate {
	return &EventAggregate{ChannelID: channelID, Events: map[string]*EventCounters{}}
}

func (a *EventAggregate) counters(evType string) *EventCounters {
	c, ok := a.Events[evType]
	if !ok {
		c = &EventCounters{EventCounts: Balances{}, EventPayouts: Balances{}}
		a.Events[evType] = c
	}
	return c
}

// Count records one occurrence of evType for key.
func (a *EventAggregate) Count(evType, key string) {
	a.counters(evType).EventCounts.Add(key, big.NewInt(1))
}

// Pay records a payout for key under evType. Zero payouts are not recorded.
func (a *EventAggregate) Pay(evType, key string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	a.counters(evType).EventPayouts.Add(key, amount)
}

func (a *EventAggregate) IsEmpty() bool {
	return len(a.Events) == 0
}

// Clone returns a deep copy.
func (a *EventAggregate) Clone() *EventAggregate {
	out := &EventAggregate{ChannelID: a.ChannelID, Created: a.Created, Events: make(map[string]*EventCounters, len(a.Events))}
	for evType, c := range a.Events {
		out.Events[evType] = &EventCounters{EventCounts: c.EventCounts.Clone(), EventPayouts: c.EventPayouts.Clone()}
	}
	return out
}
