package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Converter applies a unit conversion to a coerced numeric value.
type Converter func(v float64) (float64, error)

func identity(v float64) (float64, error) { return v, nil }

// ParseConverter builds the converter for a column mapping's convert setting.
//
//	identity          value unchanged (also the empty setting)
//	scale:<f>         value * f
//	percent_to_ratio  value / 100
//	thousands         value * 1000
//	expr:<starlark>   a Starlark expression over the name `value`
func ParseConverter(spec string) (Converter, error) {
	switch {
	case spec == "" || spec == "identity":
		return identity, nil
	case spec == "percent_to_ratio":
		return func(v float64) (float64, error) { return v / 100, nil }, nil
	case spec == "thousands":
		return func(v float64) (float64, error) { return v * 1000, nil }, nil
	case strings.HasPrefix(spec, "scale:"):
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(spec, "scale:")), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid scale factor in %q: %w", spec, err)
		}
		return func(v float64) (float64, error) { return v * f, nil }, nil
	case strings.HasPrefix(spec, "expr:"):
		return compileExpr(strings.TrimSpace(strings.TrimPrefix(spec, "expr:")))
	default:
		return nil, fmt.Errorf("unknown convert %q", spec)
	}
}

// exprBuiltins are available to conversion expressions in addition to the
// Starlark universe.
var exprBuiltins = starlark.StringDict{
	"round": starlark.NewBuiltin("round", starRound),
}

// compileExpr evaluates the expression once as a lambda and returns a
// converter that calls it. Each call gets its own thread; the function value
// is frozen so concurrent calls are safe.
func compileExpr(expr string) (Converter, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	thread := &starlark.Thread{Name: "convert"}
	v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "convert", "lambda value: ("+expr+")", exprBuiltins)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("invalid expression %q", expr)
	}
	v.Freeze()

	return func(in float64) (float64, error) {
		th := &starlark.Thread{
			Name:  "convert",
			Print: func(_ *starlark.Thread, _ string) {},
		}
		out, err := starlark.Call(th, fn, starlark.Tuple{starlark.Float(in)}, nil)
		if err != nil {
			return 0, fmt.Errorf("expression %q: %w", expr, err)
		}
		f, ok := starlark.AsFloat(out)
		if !ok {
			return 0, fmt.Errorf("expression %q returned %s, want a number", expr, out.Type())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("expression %q returned %v", expr, f)
		}
		return f, nil
	}, nil
}

// starRound implements round(x, digits=0) with half-away-from-zero rounding.
func starRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	digits := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x, "digits?", &digits); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want a number", b.Name(), x.Type())
	}
	scale := math.Pow(10, float64(digits))
	return starlark.Float(math.Round(f*scale) / scale), nil
}
