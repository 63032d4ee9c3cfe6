package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	TypeNewState     MessageType = "NewState"
	TypeApproveState MessageType = "ApproveState"
	TypeRejectState  MessageType = "RejectState"
	TypeHeartbeat    MessageType = "Heartbeat"
	TypeAccounting   MessageType = "Accounting"
)

// StateRootLen is the hex length of a keccak256 digest.
const StateRootLen = 64

var (
	ErrMalformedMessage = errors.New("types: malformed validator message")
	ErrUnknownMessage   = errors.New("types: unknown validator message type")
)

// Message is one of NewState, ApproveState, RejectState, Heartbeat or Accounting.
type Message interface {
	Type() MessageType
	Validate() error
}

type NewState struct {
	StateRoot string   `json:"stateRoot"`
	Signature string   `json:"signature"`
	Balances  Balances `json:"balances"`
}

type ApproveState struct {
	StateRoot string `json:"stateRoot"`
	Signature string `json:"signature"`
	IsHealthy bool   `json:"isHealthy"`
	Exhausted bool   `json:"exhausted"`
}

type RejectState struct {
	StateRoot string    `json:"stateRoot"`
	Reason    string    `json:"reason"`
	Signature string    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Heartbeat struct {
	StateRoot string    `json:"stateRoot"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

type Accounting struct {
	BalancesBeforeFees Balances  `json:"balancesBeforeFees"`
	Balances           Balances  `json:"balances"`
	LastEvAggr         time.Time `json:"lastEvAggr"`
}

// EmptyAccounting is the checkpoint used before anything was merged.
func EmptyAccounting() *Accounting {
	return &Accounting{
		BalancesBeforeFees: Balances{},
		Balances:           Balances{},
		LastEvAggr:         time.Unix(0, 0).UTC(),
	}
}

func (*NewState) Type() MessageType     { return TypeNewState }
func (*ApproveState) Type() MessageType { return TypeApproveState }
func (*RejectState) Type() MessageType  { return TypeRejectState }
func (*Heartbeat) Type() MessageType    { return TypeHeartbeat }
func (*Accounting) Type() MessageType   { return TypeAccounting }

func (m *NewState) Validate() error {
	if err := validStateRoot(m.StateRoot); err != nil {
		return err
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: NewState without signature", ErrMalformedMessage)
	}
	if len(m.Balances) == 0 {
		return fmt.Errorf("%w: NewState with empty balances", ErrMalformedMessage)
	}
	return nil
}

func (m *ApproveState) Validate() error {
	if err := validStateRoot(m.StateRoot); err != nil {
		return err
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: ApproveState without signature", ErrMalformedMessage)
	}
	return nil
}

func (m *RejectState) Validate() error {
	if err := validStateRoot(m.StateRoot); err != nil {
		return err
	}
	if m.Reason == "" {
		return fmt.Errorf("%w: RejectState without reason", ErrMalformedMessage)
	}
	return nil
}

func (m *Heartbeat) Validate() error {
	if err := validStateRoot(m.StateRoot); err != nil {
		return err
	}
	if m.Signature == "" {
		return fmt.Errorf("%w: Heartbeat without signature", ErrMalformedMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: Heartbeat without timestamp", ErrMalformedMessage)
	}
	return nil
}

func (m *Accounting) Validate() error {
	if len(m.Balances) == 0 || len(m.BalancesBeforeFees) == 0 {
		return fmt.Errorf("%w: Accounting with empty balances", ErrMalformedMessage)
	}
	if m.LastEvAggr.IsZero() {
		return fmt.Errorf("%w: Accounting without lastEvAggr", ErrMalformedMessage)
	}
	return nil
}

func validStateRoot(s string) error {
	if len(s) != StateRootLen {
		return fmt.Errorf("%w: stateRoot must be %d hex characters", ErrMalformedMessage, StateRootLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return fmt.Errorf("%w: stateRoot is not hex", ErrMalformedMessage)
		}
	}
	return nil
}

// StateRootOf returns the state root a message refers to, if any.
func StateRootOf(m Message) string {
	switch v := m.(type) {
	case *NewState:
		return v.StateRoot
	case *ApproveState:
		return v.StateRoot
	case *RejectState:
		return v.StateRoot
	case *Heartbeat:
		return v.StateRoot
	}
	return ""
}

// MarshalMessage encodes m with its "type" discriminator.
func MarshalMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *NewState:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*NewState
		}{TypeNewState, v})
	case *ApproveState:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*ApproveState
		}{TypeApproveState, v})
	case *RejectState:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*RejectState
		}{TypeRejectState, v})
	case *Heartbeat:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Heartbeat
		}{TypeHeartbeat, v})
	case *Accounting:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*Accounting
		}{TypeAccounting, v})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
}

// UnmarshalMessage decodes a message by its "type" field. It does not validate.
func UnmarshalMessage(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var m Message
	switch head.Type {
	case TypeNewState:
		m = &NewState{}
	case TypeApproveState:
		m = &ApproveState{}
	case TypeRejectState:
		m = &RejectState{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeAccounting:
		m = &Accounting{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

// Envelope is a message as stored and served by a sentry.
type Envelope struct {
	ChannelID string
	From      string
	Received  time.Time
	Msg       Message
}

type envelopeJSON struct {
	ChannelID string          `json:"channelId"`
	From      string          `json:"from"`
	Received  time.Time       `json:"received"`
	Msg       json.RawMessage `json:"msg"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	msg, err := MarshalMessage(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{ChannelID: e.ChannelID, From: e.From, Received: e.Received, Msg: msg})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	msg, err := UnmarshalMessage(raw.Msg)
	if err != nil {
		return err
	}
	*e = Envelope{ChannelID: raw.ChannelID, From: raw.From, Received: raw.Received, Msg: msg}
	return nil
}

// MessageList encodes a batch of messages, as posted between validators.
type MessageList []Message

func (l MessageList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, m := range l {
		b, err := MarshalMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (l *MessageList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(MessageList, 0, len(raws))
	for _, raw := range raws {
		m, err := UnmarshalMessage(raw)
		if err != nil {
			return err
		}
		out = append(out, m)
	}
	*l = out
	return nil
}
