package doorman

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ValidationOperation is one node of a claim validation tree, e.g.
// {operation: and, value: [{operation: type, value: list}, {operation: contains, value: admin}]}.
type ValidationOperation struct {
	Operation string `json:"operation" mapstructure:"operation"`
	Value     any    `json:"value" mapstructure:"value"`
}

// ValidationEvaluator evaluates a nested operation; combinators like "and" use it.
type ValidationEvaluator func(vo *ValidationOperation, tokenValue any) (bool, error)

// ValidationOperationFunc checks tokenValue against vo.Value.
type ValidationOperationFunc func(vo *ValidationOperation, tokenValue any, eval ValidationEvaluator) (bool, error)

var defaultValidationOperations = map[string]ValidationOperationFunc{
	"length":   validateLength,
	"type":     validateType,
	"contains": validateContains,
	"equal":    validateEqual,
	"or":       validateAny,
	"and":      validateAll,
	"not":      validateNot,
}

// RegisterBearerValidationOperation adds or replaces a claim validation operation for
// the bearer schemes of this doorman.
func RegisterBearerValidationOperation(name string, op ValidationOperationFunc) Option {
	return func(dm *Doorman) error {
		if name == "" || op == nil {
			return errors.New("validation operation must not be empty")
		}
		dm.validationOps[name] = op
		return nil
	}
}

type claimValidator struct {
	ops map[string]ValidationOperationFunc
}

func (cv claimValidator) evaluate(vo *ValidationOperation, tokenValue any) (bool, error) {
	if vo == nil {
		return false, errors.New("validation operation is nil")
	}
	op, found := cv.ops[vo.Operation]
	if !found {
		return false, fmt.Errorf("invalid validation operation '%s'", vo.Operation)
	}
	return op(vo, tokenValue, cv.evaluate)
}

// asFloat reports the value of any Go number. Token numbers decode as float64 while
// configured values usually are ints.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func castAsNumber(v any) (int64, error) {
	if f, ok := asFloat(v); ok {
		return int64(f), nil
	}
	if s, ok := v.(string); ok {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("invalid type %T", v)
}

func castAsString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("invalid type %T", v)
}

// sameValue compares numbers numerically, strings and bools by value. Lists and
// maps are never equal.
func sameValue(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func validateLength(vo *ValidationOperation, tokenValue any, _ ValidationEvaluator) (bool, error) {
	want, err := castAsNumber(vo.Value)
	if err != nil {
		return false, errors.New("invalid type for length")
	}
	switch tv := tokenValue.(type) {
	case string:
		return int64(len(tv)) == want, nil
	case []any:
		return int64(len(tv)) == want, nil
	case map[string]any:
		return int64(len(tv)) == want, nil
	}
	// a number's "length" is its value
	if f, ok := asFloat(tokenValue); ok {
		return int64(f) == want, nil
	}
	return false, fmt.Errorf("invalid type %T", tokenValue)
}

func validateType(vo *ValidationOperation, tokenValue any, _ ValidationEvaluator) (bool, error) {
	var typ string
	switch tokenValue.(type) {
	case string:
		typ = "string"
	case bool:
		typ = "bool"
	case []any:
		typ = "list"
	case map[string]any:
		typ = "map"
	default:
		if _, ok := asFloat(tokenValue); !ok {
			return false, nil
		}
		typ = "number"
	}
	return vo.Value == typ, nil
}

func validateContains(vo *ValidationOperation, tokenValue any, _ ValidationEvaluator) (bool, error) {
	switch tv := tokenValue.(type) {
	case string:
		sub, err := castAsString(vo.Value)
		if err != nil {
			return false, err
		}
		return strings.Contains(tv, sub), nil
	case []any:
		return slices.ContainsFunc(tv, func(item any) bool { return sameValue(item, vo.Value) }), nil
	case map[string]any:
		key, err := castAsString(vo.Value)
		if err != nil {
			return false, err
		}
		_, found := tv[key]
		return found, nil
	}
	if _, ok := asFloat(tokenValue); ok {
		return sameValue(tokenValue, vo.Value), nil
	}
	return false, nil
}

func validateEqual(vo *ValidationOperation, tokenValue any, _ ValidationEvaluator) (bool, error) {
	switch tv := tokenValue.(type) {
	case string:
		want, ok := vo.Value.(string)
		if !ok {
			return false, fmt.Errorf("invalid value for equal %T. must be of type string", vo.Value)
		}
		return tv == want, nil
	case bool:
		return tv == vo.Value, nil
	}
	if _, ok := asFloat(tokenValue); ok {
		return sameValue(tokenValue, vo.Value), nil
	}
	return false, nil
}

func nestedOperations(value any) (ops []*ValidationOperation, err error) {
	err = mapstructure.Decode(value, &ops)
	return ops, err
}

// validateAny is "or". Every operand is evaluated so a broken operand is reported
// even when an earlier one matched.
func validateAny(vo *ValidationOperation, tokenValue any, eval ValidationEvaluator) (bool, error) {
	ops, err := nestedOperations(vo.Value)
	if err != nil {
		return false, err
	}
	matched := false
	for _, op := range ops {
		ok, err := eval(op, tokenValue)
		if err != nil {
			return false, err
		}
		matched = matched || ok
	}
	return matched, nil
}

// validateAll is "and", with the same error reporting as validateAny.
func validateAll(vo *ValidationOperation, tokenValue any, eval ValidationEvaluator) (bool, error) {
	ops, err := nestedOperations(vo.Value)
	if err != nil {
		return false, err
	}
	matched := true
	for _, op := range ops {
		ok, err := eval(op, tokenValue)
		if err != nil {
			return false, err
		}
		matched = matched && ok
	}
	return matched, nil
}

func validateNot(vo *ValidationOperation, tokenValue any, eval ValidationEvaluator) (bool, error) {
	var op *ValidationOperation
	if err := mapstructure.Decode(vo.Value, &op); err != nil {
		return false, err
	}
	ok, err := eval(op, tokenValue)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
