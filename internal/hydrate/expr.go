package hydrate

import (
	"fmt"
	"strings"

	"github.com/stratalabs/strata/internal/decimal"
)

// Transform expression kinds.
const (
	exprMul   = "mul"
	exprDiv   = "div"
	exprLower = "lower"
	exprUpper = "upper"
	exprTrim  = "trim"
)

type exprOp struct {
	kind    string
	operand decimal.Decimal
}

// parseExpr parses the transform grammar: "* n", "/ n", "lower", "upper",
// "trim", where n is a decimal constant.
func parseExpr(expr string) (exprOp, error) {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 1:
		switch fields[0] {
		case "lower":
			return exprOp{kind: exprLower}, nil
		case "upper":
			return exprOp{kind: exprUpper}, nil
		case "trim":
			return exprOp{kind: exprTrim}, nil
		}
	case len(fields) == 2 && (fields[0] == "*" || fields[0] == "/"):
		n, err := decimal.NewDecimal(fields[1])
		if err != nil {
			return exprOp{}, fmt.Errorf("bad expression operand %q", fields[1])
		}
		if fields[0] == "/" {
			if n.IsZero() {
				return exprOp{}, fmt.Errorf("division by zero in expression %q", expr)
			}
			return exprOp{kind: exprDiv, operand: n}, nil
		}
		return exprOp{kind: exprMul, operand: n}, nil
	}
	return exprOp{}, fmt.Errorf("unknown expression %q", expr)
}

// applyExpr runs a transform on an extracted value. Numeric transforms on
// non-numeric values and string transforms on non-strings degrade to nil
// so the cast stage stores a NULL.
func applyExpr(v interface{}, expr string) interface{} {
	op, err := parseExpr(expr)
	if err != nil {
		return nil
	}
	switch op.kind {
	case exprMul, exprDiv:
		d, ok := decimal.FromValue(v)
		if !ok {
			return nil
		}
		if op.kind == exprMul {
			return d.Mul(op.operand)
		}
		q, err := d.Div(op.operand)
		if err != nil {
			return nil
		}
		return q
	case exprLower, exprUpper, exprTrim:
		s, ok := v.(string)
		if !ok {
			return nil
		}
		switch op.kind {
		case exprLower:
			return strings.ToLower(s)
		case exprUpper:
			return strings.ToUpper(s)
		default:
			return strings.TrimSpace(s)
		}
	}
	return nil
}
