package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inputs holds the values wired into a node. Values may be native Go types,
// JSON numbers or strings as given on the command line.
type Inputs map[string]any

// ParseInputs builds Inputs from key=value pairs.
func ParseInputs(pairs []string) (Inputs, error) {
	in := Inputs{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", p)
		}
		in[k] = v
	}
	return in, nil
}

// String returns the named input as a string, or def when absent.
func (in Inputs) String(key, def string) (string, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("input %q: expected string, got %T", key, v)
}

// Int returns the named input as an int, or def when absent.
func (in Inputs) Int(key string, def int) (int, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("input %q: %v is not an integer", key, x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("input %q: %w", key, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("input %q: %q is not an integer", key, x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("input %q: expected integer, got %T", key, v)
}

// Float returns the named input as a float64, or def when absent.
func (in Inputs) Float(key string, def float64) (float64, error) {
	v, ok := in[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("input %q: %w", key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("input %q: %q is not a number", key, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("input %q: expected number, got %T", key, v)
}
