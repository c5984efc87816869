package tools

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// maxExpressionLen bounds the input handed to the parser.
const maxExpressionLen = 1024

var errInvalidExpr = errors.New("invalid expression")

// mathFuncs are the only identifiers an expression may call.
var mathFuncs = map[string]struct {
	arity int
	fn    func(args []float64) float64
}{
	"sqrt":  {1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"floor": {1, func(a []float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {1, func(a []float64) float64 { return math.Ceil(a[0]) }},
	"round": {1, func(a []float64) float64 { return math.Round(a[0]) }},
	"pow":   {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"min":   {2, func(a []float64) float64 { return math.Min(a[0], a[1]) }},
	"max":   {2, func(a []float64) float64 { return math.Max(a[0], a[1]) }},
}

func handleCalculate(_ context.Context, args map[string]any) (string, error) {
	expr, _ := stringArg(args, "expression")
	v, err := Evaluate(expr)
	if err != nil {
		return "", &ExecutionError{Tool: "calculate", Message: MsgInvalidExpr, Err: err}
	}
	return FormatNumber(v), nil
}

// Evaluate computes an arithmetic expression. The input is parsed as a
// Go expression and only numeric literals, arithmetic operators,
// parentheses, and the whitelisted math functions are accepted.
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: empty", errInvalidExpr)
	}
	if len(expr) > maxExpressionLen {
		return 0, fmt.Errorf("%w: longer than %d bytes", errInvalidExpr, maxExpressionLen)
	}

	node, err := parser.ParseExpr(leadingZeros.ReplaceAllString(expr, "${1}${2}"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidExpr, err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: result is not a finite number", errInvalidExpr)
	}
	return v, nil
}

// FormatNumber renders v with the fewest digits that round-trip.
func FormatNumber(v float64) string {
	if v == 0 {
		v = 0 // drop negative zero
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func eval(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)

	case *ast.ParenExpr:
		return eval(n.X)

	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			return -x, nil
		}
		return 0, fmt.Errorf("%w: unsupported unary operator %s", errInvalidExpr, n.Op)

	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("%w: division by zero", errInvalidExpr)
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", errInvalidExpr)
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("%w: unsupported operator %s", errInvalidExpr, n.Op)

	case *ast.CallExpr:
		ident, ok := n.Fun.(*ast.Ident)
		if !ok {
			return 0, fmt.Errorf("%w: unsupported call", errInvalidExpr)
		}
		f, ok := mathFuncs[ident.Name]
		if !ok {
			return 0, fmt.Errorf("%w: unknown function %q", errInvalidExpr, ident.Name)
		}
		if len(n.Args) != f.arity || n.Ellipsis.IsValid() {
			return 0, fmt.Errorf("%w: %s takes %d argument(s)", errInvalidExpr, ident.Name, f.arity)
		}
		vals := make([]float64, len(n.Args))
		for i, a := range n.Args {
			v, err := eval(a)
			if err != nil {
				return 0, err
			}
			vals[i] = v
		}
		return f.fn(vals), nil

	case *ast.Ident:
		return 0, fmt.Errorf("%w: unknown identifier %q", errInvalidExpr, n.Name)
	}
	return 0, fmt.Errorf("%w: unsupported syntax %T", errInvalidExpr, node)
}

// leadingZeros matches zeros in front of a decimal integer so "09" reads
// as nine instead of an invalid octal literal. Zeros after a decimal
// point or inside a word are left alone.
var leadingZeros = regexp.MustCompile(`(^|[^.\w])0+(\d)`)

// hasBasePrefix reports whether an integer literal is written in hex,
// binary, or explicit octal.
func hasBasePrefix(v string) bool {
	return len(v) > 2 && v[0] == '0' && strings.ContainsRune("xXbBoO", rune(v[1]))
}

func evalLiteral(lit *ast.BasicLit) (float64, error) {
	switch lit.Kind {
	case token.INT:
		if hasBasePrefix(lit.Value) {
			u, err := strconv.ParseUint(lit.Value, 0, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", errInvalidExpr, err)
			}
			return float64(u), nil
		}
		// Plain digits are decimal even with a leading zero ("010" is
		// ten) and may exceed the int64 range.
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errInvalidExpr, err)
		}
		return f, nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errInvalidExpr, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: unsupported literal %s", errInvalidExpr, lit.Value)
}
