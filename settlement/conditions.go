package settlement

import (
	"encoding/json"
	"reflect"
	"strings"
)

// EvaluateConditions checks a trigger-condition map against workflow data.
// Every entry must hold (AND). Keys may use dot notation to reach nested
// maps. The expected side is either a bare value (equality) or an operator
// map: $eq, $gt, $gte, $lt, $lte, $in.
func EvaluateConditions(conditions, data map[string]interface{}) bool {
	for key, expected := range conditions {
		actual, found := lookupPath(data, key)

		operators, isOperatorMap := expected.(map[string]interface{})
		if !isOperatorMap {
			if !found || !looselyEqual(actual, expected) {
				return false
			}
			continue
		}

		for op, operand := range operators {
			switch op {
			case "$eq":
				if !found || !looselyEqual(actual, operand) {
					return false
				}
			case "$gt", "$gte", "$lt", "$lte":
				if !found || !compareNumbers(actual, operand, op) {
					return false
				}
			case "$in":
				if !found || !memberOf(actual, operand) {
					return false
				}
			default:
				// Unknown operator never matches.
				return false
			}
		}
	}
	return true
}

// lookupPath resolves a possibly dotted key through nested maps.
func lookupPath(data map[string]interface{}, key string) (interface{}, bool) {
	if !strings.Contains(key, ".") {
		value, ok := data[key]
		return value, ok
	}

	var current interface{} = data
	for _, part := range strings.Split(key, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looselyEqual compares values, treating all numeric types as equivalent so
// JSON round-trips (int vs float64) do not break equality.
func looselyEqual(actual, expected interface{}) bool {
	actualNum, actualOK := asFloat(actual)
	expectedNum, expectedOK := asFloat(expected)
	if actualOK && expectedOK {
		return actualNum == expectedNum
	}
	return reflect.DeepEqual(actual, expected)
}

func compareNumbers(actual, operand interface{}, op string) bool {
	a, aOK := asFloat(actual)
	b, bOK := asFloat(operand)
	if !aOK || !bOK {
		return false
	}
	switch op {
	case "$gt":
		return a > b
	case "$gte":
		return a >= b
	case "$lt":
		return a < b
	case "$lte":
		return a <= b
	}
	return false
}

func memberOf(actual, operand interface{}) bool {
	members, ok := operand.([]interface{})
	if !ok {
		return false
	}
	for _, member := range members {
		if looselyEqual(actual, member) {
			return true
		}
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
