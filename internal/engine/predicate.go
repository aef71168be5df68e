package engine

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/devblac/event-watcher/internal/sink"
)

// Predicate evaluates whether decoded event arguments satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, in, contains.
// Examples:
//
//	"value > 10"
//	"from in 0xabc...,0xdef..."
//	"txHash contains beef"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[normalizeHex(v)] = struct{}{}
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			s := normalizeHex(sink.FormatValue(arg))
			_, hit := values[s]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(sink.FormatValue(val), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			switch op {
			case "==":
				return lhs == numRHS, nil
			case "!=":
				return lhs != numRHS, nil
			case ">":
				return lhs > numRHS, nil
			case "<":
				return lhs < numRHS, nil
			case ">=":
				return lhs >= numRHS, nil
			case "<=":
				return lhs <= numRHS, nil
			}
		}

		// String comparisons
		lhs := normalizeHex(sink.FormatValue(val))
		switch op {
		case "==":
			return lhs == normalizeHex(rhsRaw), nil
		case "!=":
			return lhs != normalizeHex(rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// normalizeHex lowercases 0x-prefixed values so checksummed and plain
// addresses compare equal.
func normalizeHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strings.ToLower(s)
	}
	return s
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - Helper functions: "wei(1e18)", "ether(1.5)", "gwei(30)"
// - Multiplication: "1_000_000 * 1e6"
func evaluateNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	// Handle multiplication
	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return 0, false
		}
		a, ok1 := evaluateNumber(strings.TrimSpace(parts[0]))
		b, ok2 := evaluateNumber(strings.TrimSpace(parts[1]))
		if !ok1 || !ok2 {
			return 0, false
		}
		return a * b, true
	}

	for prefix, scale := range unitHelpers {
		if strings.HasPrefix(s, prefix+"(") && strings.HasSuffix(s, ")") {
			v, ok := evaluateNumber(s[len(prefix)+1 : len(s)-1])
			if !ok {
				return 0, false
			}
			return v * scale, true
		}
	}

	// Parse as a simple number
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

var unitHelpers = map[string]float64{
	"wei":   1,
	"gwei":  1e9,
	"ether": 1e18,
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return 0, false
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
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
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		return evaluateNumber(n)
	default:
		return 0, false
	}
}
