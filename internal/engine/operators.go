package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/TimurManjosov/appconfig/internal/rules"
)

// OperatorHandler evaluates one rule operator for a single candidate value.
type OperatorHandler interface {
	Check(entityValue, candidate any) bool
}

var operatorHandlers = map[rules.Operator]OperatorHandler{
	rules.OpIs:                isHandler{},
	rules.OpContains:          substringHandler{match: strings.Contains},
	rules.OpStartsWith:        substringHandler{match: strings.HasPrefix},
	rules.OpEndsWith:          substringHandler{match: strings.HasSuffix},
	rules.OpGreaterThan:       numericCompareHandler{cmp: func(a, b float64) bool { return a > b }},
	rules.OpLesserThan:        numericCompareHandler{cmp: func(a, b float64) bool { return a < b }},
	rules.OpGreaterThanEquals: numericCompareHandler{cmp: func(a, b float64) bool { return a >= b }},
	rules.OpLesserThanEquals:  numericCompareHandler{cmp: func(a, b float64) bool { return a <= b }},
}

func getOperatorHandler(op rules.Operator) (OperatorHandler, bool) {
	h, ok := operatorHandlers[op]
	return h, ok
}

// Match reports whether rule matches attrs: the attribute must be present
// and at least one candidate value must satisfy the operator.
func Match(rule rules.Rule, attrs Attributes) bool {
	entityValue, ok := attrs[rule.AttributeName]
	if !ok || entityValue == nil {
		return false
	}
	handler, ok := getOperatorHandler(rule.Operator)
	if !ok {
		return false
	}
	for _, candidate := range rule.Values {
		if handler.Check(entityValue, candidate) {
			return true
		}
	}
	return false
}

// isHandler compares same-typed operands by value and everything else by
// their string forms, so 81 matches "81".
type isHandler struct{}

func (isHandler) Check(entityValue, candidate any) bool {
	if entityValue == nil || candidate == nil {
		return false
	}
	if reflect.TypeOf(entityValue) == reflect.TypeOf(candidate) {
		return reflect.DeepEqual(entityValue, candidate)
	}
	return toString(entityValue) == toString(candidate)
}

type substringHandler struct {
	match func(s, substr string) bool
}

func (h substringHandler) Check(entityValue, candidate any) bool {
	if entityValue == nil || candidate == nil {
		return false
	}
	return h.match(toString(entityValue), toString(candidate))
}

type numericCompareHandler struct {
	cmp func(a, b float64) bool
}

func (h numericCompareHandler) Check(entityValue, candidate any) bool {
	a, ok := toFloat64(entityValue)
	if !ok {
		return false
	}
	b, ok := toFloat64(candidate)
	if !ok {
		return false
	}
	return h.cmp(a, b)
}

func toString(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// toFloat64 accepts numeric kinds and numeric strings. Booleans and nil are
// not numbers.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	}
	// json.Number and other string-backed numbers.
	if s, ok := v.(fmt.Stringer); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s.String()), 64)
		return f, err == nil
	}
	return 0, false
}
