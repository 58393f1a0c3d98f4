package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const maxConditionDepth = 8

// Condition is a predicate over an event document. The variants below form a
// closed set; JSON is only their storage encoding.
type Condition interface {
	Evaluate(doc Document) bool
	isCondition()
}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "eq"
	OpNeq CompareOp = "neq"
	OpGt  CompareOp = "gt"
	OpGte CompareOp = "gte"
	OpLt  CompareOp = "lt"
	OpLte CompareOp = "lte"
)

// Compare tests the value at Field against a scalar.
type Compare struct {
	Field string
	Op    CompareOp
	Value any
}

// In matches when the value at Field equals one of Values.
type In struct {
	Field  string
	Values []any
}

// Contains matches a substring of a string field or an element of an array field.
type Contains struct {
	Field string
	Value string
}

// Exists matches when Field is present and not null.
type Exists struct {
	Field string
}

// Changed matches when Field differs between previousState and newState or
// appears in changes.
type Changed struct {
	Field string
}

// All matches when every child matches.
type All struct {
	Conditions []Condition
}

// Any matches when at least one child matches.
type Any struct {
	Conditions []Condition
}

// Not inverts its child.
type Not struct {
	Condition Condition
}

func (Compare) isCondition()  {}
func (In) isCondition()       {}
func (Contains) isCondition() {}
func (Exists) isCondition()   {}
func (Changed) isCondition()  {}
func (All) isCondition()      {}
func (Any) isCondition()      {}
func (Not) isCondition()      {}

// EvaluateCondition treats a nil condition as always true.
func EvaluateCondition(condition Condition, doc Document) bool {
	if condition == nil {
		return true
	}
	return condition.Evaluate(doc)
}

// Evaluate implements Condition.
func (c Compare) Evaluate(doc Document) bool {
	result := doc.Get(c.Field)
	value, err := normalizeScalar(c.Value)
	if err != nil {
		return false
	}
	switch c.Op {
	case OpEq:
		return scalarEquals(result, value)
	case OpNeq:
		return !scalarEquals(result, value)
	}
	cmp, ok := compareScalar(result, value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

// Evaluate implements Condition.
func (c In) Evaluate(doc Document) bool {
	result := doc.Get(c.Field)
	for _, raw := range c.Values {
		value, err := normalizeScalar(raw)
		if err != nil {
			continue
		}
		if scalarEquals(result, value) {
			return true
		}
	}
	return false
}

// Evaluate implements Condition.
func (c Contains) Evaluate(doc Document) bool {
	result := doc.Get(c.Field)
	switch {
	case result.IsArray():
		for _, item := range result.Array() {
			if item.Type == gjson.String && item.Str == c.Value {
				return true
			}
		}
		return false
	case result.Type == gjson.String:
		return strings.Contains(result.Str, c.Value)
	default:
		return false
	}
}

// Evaluate implements Condition.
func (c Exists) Evaluate(doc Document) bool {
	result := doc.Get(c.Field)
	return result.Exists() && result.Type != gjson.Null
}

// Evaluate implements Condition.
func (c Changed) Evaluate(doc Document) bool {
	if doc.Get("changes." + c.Field).Exists() {
		return true
	}
	before := doc.Get("previousState." + c.Field)
	after := doc.Get("newState." + c.Field)
	if !before.Exists() && !after.Exists() {
		return false
	}
	return !bytes.Equal([]byte(before.Raw), []byte(after.Raw))
}

// Evaluate implements Condition.
func (c All) Evaluate(doc Document) bool {
	for _, child := range c.Conditions {
		if !EvaluateCondition(child, doc) {
			return false
		}
	}
	return true
}

// Evaluate implements Condition.
func (c Any) Evaluate(doc Document) bool {
	for _, child := range c.Conditions {
		if EvaluateCondition(child, doc) {
			return true
		}
	}
	return false
}

// Evaluate implements Condition.
func (c Not) Evaluate(doc Document) bool {
	return !EvaluateCondition(c.Condition, doc)
}

func scalarEquals(result gjson.Result, value any) bool {
	switch v := value.(type) {
	case nil:
		return result.Type == gjson.Null
	case string:
		return result.Type == gjson.String && result.Str == v
	case bool:
		return (v && result.Type == gjson.True) || (!v && result.Type == gjson.False)
	case float64:
		return result.Type == gjson.Number && result.Num == v
	default:
		return false
	}
}

func compareScalar(result gjson.Result, value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if result.Type != gjson.Number {
			return 0, false
		}
		switch {
		case result.Num < v:
			return -1, true
		case result.Num > v:
			return 1, true
		default:
			return 0, true
		}
	case string:
		if result.Type != gjson.String {
			return 0, false
		}
		return strings.Compare(result.Str, v), true
	default:
		return 0, false
	}
}

type conditionWire struct {
	Op         string          `json:"op"`
	Field      string          `json:"field,omitempty"`
	Value      any             `json:"value,omitempty"`
	Values     []any           `json:"values,omitempty"`
	Conditions []conditionWire `json:"conditions,omitempty"`
	Condition  *conditionWire  `json:"condition,omitempty"`
}

// ParseCondition decodes and validates a stored condition. Empty input and
// JSON null yield a nil condition.
func ParseCondition(raw []byte) (Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var wire conditionWire
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&wire); err != nil {
		return nil, NewValidationError("conditions", err.Error())
	}
	return fromWire(wire, 1)
}

// MarshalCondition encodes a condition for storage. A nil condition encodes
// as an empty string.
func MarshalCondition(condition Condition) (string, error) {
	if condition == nil {
		return "", nil
	}
	wire, err := toWire(condition, 1)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode condition: %w", err)
	}
	return string(raw), nil
}

// ValidateCondition checks a programmatically built condition.
func ValidateCondition(condition Condition) error {
	if condition == nil {
		return nil
	}
	_, err := toWire(condition, 1)
	return err
}

func fromWire(wire conditionWire, depth int) (Condition, error) {
	if depth > maxConditionDepth {
		return nil, NewValidationError("conditions", "nesting is too deep")
	}
	op := normalizeToken(wire.Op)
	switch CompareOp(op) {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		if err := validateField(wire.Field); err != nil {
			return nil, err
		}
		value, err := normalizeScalar(wire.Value)
		if err != nil {
			return nil, err
		}
		if op != string(OpEq) && op != string(OpNeq) {
			switch value.(type) {
			case float64, string:
			default:
				return nil, NewValidationError("conditions", op+" requires a number or string value")
			}
		}
		return Compare{Field: strings.TrimSpace(wire.Field), Op: CompareOp(op), Value: value}, nil
	}

	switch op {
	case "in":
		if err := validateField(wire.Field); err != nil {
			return nil, err
		}
		if len(wire.Values) == 0 {
			return nil, NewValidationError("conditions", "in requires values")
		}
		values := make([]any, 0, len(wire.Values))
		for _, raw := range wire.Values {
			value, err := normalizeScalar(raw)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return In{Field: strings.TrimSpace(wire.Field), Values: values}, nil
	case "contains":
		if err := validateField(wire.Field); err != nil {
			return nil, err
		}
		value, ok := wire.Value.(string)
		if !ok {
			return nil, NewValidationError("conditions", "contains requires a string value")
		}
		return Contains{Field: strings.TrimSpace(wire.Field), Value: value}, nil
	case "exists":
		if err := validateField(wire.Field); err != nil {
			return nil, err
		}
		return Exists{Field: strings.TrimSpace(wire.Field)}, nil
	case "changed":
		if err := validateField(wire.Field); err != nil {
			return nil, err
		}
		return Changed{Field: strings.TrimSpace(wire.Field)}, nil
	case "all", "any":
		if len(wire.Conditions) == 0 {
			return nil, NewValidationError("conditions", op+" requires child conditions")
		}
		children := make([]Condition, 0, len(wire.Conditions))
		for _, child := range wire.Conditions {
			parsed, err := fromWire(child, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, parsed)
		}
		if op == "all" {
			return All{Conditions: children}, nil
		}
		return Any{Conditions: children}, nil
	case "not":
		if wire.Condition == nil {
			return nil, NewValidationError("conditions", "not requires a condition")
		}
		inner, err := fromWire(*wire.Condition, depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Condition: inner}, nil
	default:
		return nil, NewValidationError("conditions", "unknown operator "+quote(wire.Op))
	}
}

func toWire(condition Condition, depth int) (conditionWire, error) {
	if depth > maxConditionDepth {
		return conditionWire{}, NewValidationError("conditions", "nesting is too deep")
	}
	switch c := condition.(type) {
	case Compare:
		if err := validateField(c.Field); err != nil {
			return conditionWire{}, err
		}
		value, err := normalizeScalar(c.Value)
		if err != nil {
			return conditionWire{}, err
		}
		switch c.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		default:
			return conditionWire{}, NewValidationError("conditions", "unknown operator "+quote(string(c.Op)))
		}
		return conditionWire{Op: string(c.Op), Field: c.Field, Value: value}, nil
	case In:
		if err := validateField(c.Field); err != nil {
			return conditionWire{}, err
		}
		if len(c.Values) == 0 {
			return conditionWire{}, NewValidationError("conditions", "in requires values")
		}
		values := make([]any, 0, len(c.Values))
		for _, raw := range c.Values {
			value, err := normalizeScalar(raw)
			if err != nil {
				return conditionWire{}, err
			}
			values = append(values, value)
		}
		return conditionWire{Op: "in", Field: c.Field, Values: values}, nil
	case Contains:
		if err := validateField(c.Field); err != nil {
			return conditionWire{}, err
		}
		return conditionWire{Op: "contains", Field: c.Field, Value: c.Value}, nil
	case Exists:
		if err := validateField(c.Field); err != nil {
			return conditionWire{}, err
		}
		return conditionWire{Op: "exists", Field: c.Field}, nil
	case Changed:
		if err := validateField(c.Field); err != nil {
			return conditionWire{}, err
		}
		return conditionWire{Op: "changed", Field: c.Field}, nil
	case All, Any:
		op := "all"
		children := []Condition(nil)
		if all, ok := c.(All); ok {
			children = all.Conditions
		} else {
			op = "any"
			children = c.(Any).Conditions
		}
		if len(children) == 0 {
			return conditionWire{}, NewValidationError("conditions", op+" requires child conditions")
		}
		wire := conditionWire{Op: op, Conditions: make([]conditionWire, 0, len(children))}
		for _, child := range children {
			childWire, err := toWire(child, depth+1)
			if err != nil {
				return conditionWire{}, err
			}
			wire.Conditions = append(wire.Conditions, childWire)
		}
		return wire, nil
	case Not:
		if c.Condition == nil {
			return conditionWire{}, NewValidationError("conditions", "not requires a condition")
		}
		inner, err := toWire(c.Condition, depth+1)
		if err != nil {
			return conditionWire{}, err
		}
		return conditionWire{Op: "not", Condition: &inner}, nil
	default:
		return conditionWire{}, NewValidationError("conditions", fmt.Sprintf("unsupported condition %T", condition))
	}
}

func validateField(field string) error {
	field = strings.TrimSpace(field)
	if field == "" {
		return NewValidationError("conditions", "field is required")
	}
	if strings.ContainsAny(field, " \t\n|#*?") {
		return NewValidationError("conditions", "field "+quote(field)+" is not a plain path")
	}
	return nil
}

func normalizeScalar(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, NewValidationError("conditions", "invalid number "+quote(v.String()))
		}
		return parsed, nil
	default:
		return nil, NewValidationError("conditions", fmt.Sprintf("value of type %T is not a scalar", value))
	}
}
