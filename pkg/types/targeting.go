package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrInvalidRule = errors.New("types: invalid targeting rule")

// Expr is a node of a targeting rule expression. The set of node kinds is
// closed: Eq, StartsWith, Get and the literals below.
type Expr interface {
	isExpr()
}

type Eq struct{ Left, Right Expr }

type StartsWith struct{ Subject, Prefix Expr }

// Get reads an event attribute by name.
type Get struct{ Attr string }

type StringLit struct{ Value string }

type BoolLit struct{ Value bool }

type BigLit struct{ Value *big.Int }

func (Eq) isExpr()         {}
func (StartsWith) isExpr() {}
func (Get) isExpr()        {}
func (StringLit) isExpr()  {}
func (BoolLit) isExpr()    {}
func (BigLit) isExpr()     {}

// SetAction assigns Value to an output field such as "price.CLICK".
type SetAction struct {
	Field string
	Value Expr
}

// TargetingRule is either a conditional price assignment or an onlyShowIf gate.
type TargetingRule struct {
	If         Expr
	Then       *SetAction
	OnlyShowIf Expr
}

// PriceField returns the output field name for an event type.
func PriceField(evType string) string {
	return "price." + strings.ToUpper(evType)
}

func IfSet(cond Expr, field string, value Expr) TargetingRule {
	return TargetingRule{If: cond, Then: &SetAction{Field: field, Value: value}}
}

func OnlyShowIf(cond Expr) TargetingRule {
	return TargetingRule{OnlyShowIf: cond}
}

func (r TargetingRule) MarshalJSON() ([]byte, error) {
	if r.OnlyShowIf != nil {
		return json.Marshal(map[string]any{"onlyShowIf": exprJSON(r.OnlyShowIf)})
	}
	if r.If == nil || r.Then == nil {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}
	action := map[string]any{"set": []any{r.Then.Field, exprJSON(r.Then.Value)}}
	return json.Marshal(map[string]any{"if": []any{exprJSON(r.If), action}})
}

func (r *TargetingRule) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("%w: expected exactly one of if/onlyShowIf", ErrInvalidRule)
	}
	if raw, ok := obj["onlyShowIf"]; ok {
		cond, err := ParseExpr(raw)
		if err != nil {
			return err
		}
		*r = TargetingRule{OnlyShowIf: cond}
		return nil
	}
	raw, ok := obj["if"]
	if !ok {
		return fmt.Errorf("%w: unknown rule kind", ErrInvalidRule)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return fmt.Errorf("%w: if takes [condition, action]", ErrInvalidRule)
	}
	cond, err := ParseExpr(parts[0])
	if err != nil {
		return err
	}
	action, err := parseSet(parts[1])
	if err != nil {
		return err
	}
	*r = TargetingRule{If: cond, Then: action}
	return nil
}

func parseSet(data json.RawMessage) (*SetAction, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: action: %v", ErrInvalidRule, err)
	}
	raw, ok := obj["set"]
	if !ok || len(obj) != 1 {
		return nil, fmt.Errorf("%w: only set actions are supported", ErrInvalidRule)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
		return nil, fmt.Errorf("%w: set takes [field, value]", ErrInvalidRule)
	}
	var field string
	if err := json.Unmarshal(parts[0], &field); err != nil {
		return nil, fmt.Errorf("%w: set field must be a string", ErrInvalidRule)
	}
	if !strings.HasPrefix(field, "price.") || len(field) == len("price.") {
		return nil, fmt.Errorf("%w: unsupported output %q", ErrInvalidRule, field)
	}
	value, err := ParseExpr(parts[1])
	if err != nil {
		return nil, err
	}
	return &SetAction{Field: field, Value: value}, nil
}

// ParseExpr decodes one expression node.
func ParseExpr(data json.RawMessage) (Expr, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidRule)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return StringLit{Value: s}, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		return BoolLit{Value: b}, nil
	case '{':
	default:
		n, err := ParseAmount(string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: unsupported literal %s", ErrInvalidRule, data)
		}
		return BigLit{Value: n}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("%w: expression must have exactly one operator", ErrInvalidRule)
	}
	for op, arg := range obj {
		switch op {
		case "eq", "startsWith":
			var args []json.RawMessage
			if err := json.Unmarshal(arg, &args); err != nil || len(args) != 2 {
				return nil, fmt.Errorf("%w: %s takes two arguments", ErrInvalidRule, op)
			}
			a, err := ParseExpr(args[0])
			if err != nil {
				return nil, err
			}
			b, err := ParseExpr(args[1])
			if err != nil {
				return nil, err
			}
			if op == "eq" {
				return Eq{Left: a, Right: b}, nil
			}
			return StartsWith{Subject: a, Prefix: b}, nil
		case "get":
			var name string
			if err := json.Unmarshal(arg, &name); err != nil || name == "" {
				return nil, fmt.Errorf("%w: get takes an attribute name", ErrInvalidRule)
			}
			return Get{Attr: name}, nil
		case "bn":
			var s string
			if err := json.Unmarshal(arg, &s); err != nil {
				return nil, fmt.Errorf("%w: bn takes a decimal string", ErrInvalidRule)
			}
			n, err := ParseAmount(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
			}
			return BigLit{Value: n}, nil
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, op)
		}
	}
	return nil, fmt.Errorf("%w: unreachable", ErrInvalidRule)
}

func exprJSON(e Expr) any {
	switch v := e.(type) {
	case Eq:
		return map[string]any{"eq": []any{exprJSON(v.Left), exprJSON(v.Right)}}
	case StartsWith:
		return map[string]any{"startsWith": []any{exprJSON(v.Subject), exprJSON(v.Prefix)}}
	case Get:
		return map[string]any{"get": v.Attr}
	case StringLit:
		return v.Value
	case BoolLit:
		return v.Value
	case BigLit:
		if v.Value == nil {
			return map[string]any{"bn": "0"}
		}
		return map[string]any{"bn": v.Value.String()}
	default:
		return nil
	}
}
