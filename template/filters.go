package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// filterFunc transforms a piped value; args are the filter's parenthesized
// arguments.
type filterFunc func(in any, args []any) (any, error)

var filters = map[string]filterFunc{
	"tojson": func(in any, _ []any) (any, error) {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("template: tojson: %w", err)
		}
		return string(b), nil
	},
	"datetime": func(in any, args []any) (any, error) {
		layout := time.RFC3339
		if len(args) > 0 {
			layout = stringOf(args[0])
		}
		switch t := in.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return t, nil
			}
			return parsed.UTC().Format(layout), nil
		default:
			f, ok := numberOf(in)
			if !ok {
				return nil, fmt.Errorf("template: datetime: not a timestamp: %v", in)
			}
			return time.Unix(int64(f), 0).UTC().Format(layout), nil
		}
	},
	"int": func(in any, _ []any) (any, error) {
		if f, ok := numberOf(in); ok {
			return int64(f), nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(stringOf(in)), 10, 64)
		if err != nil {
			return int64(0), nil
		}
		return n, nil
	},
	"float": func(in any, _ []any) (any, error) {
		if f, ok := numberOf(in); ok {
			return f, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(stringOf(in)), 64)
		if err != nil {
			return float64(0), nil
		}
		return f, nil
	},
	"string": func(in any, _ []any) (any, error) {
		return stringOf(in), nil
	},
	"bool": func(in any, _ []any) (any, error) {
		return truthy(in), nil
	},
	"first": func(in any, _ []any) (any, error) {
		switch t := in.(type) {
		case []any:
			if len(t) == 0 {
				return nil, nil
			}
			return t[0], nil
		case string:
			if t == "" {
				return "", nil
			}
			return string(t[0]), nil
		default:
			return nil, fmt.Errorf("template: first: not a sequence: %T", in)
		}
	},
	"last": func(in any, _ []any) (any, error) {
		switch t := in.(type) {
		case []any:
			if len(t) == 0 {
				return nil, nil
			}
			return t[len(t)-1], nil
		case string:
			if t == "" {
				return "", nil
			}
			return string(t[len(t)-1]), nil
		default:
			return nil, fmt.Errorf("template: last: not a sequence: %T", in)
		}
	},
	"join": func(in any, args []any) (any, error) {
		sep := ","
		if len(args) > 0 {
			sep = stringOf(args[0])
		}
		list, ok := in.([]any)
		if !ok {
			return nil, fmt.Errorf("template: join: not a list: %T", in)
		}
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = stringOf(v)
		}
		return strings.Join(parts, sep), nil
	},
	"default": func(in any, args []any) (any, error) {
		if truthy(in) {
			return in, nil
		}
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, nil
	},
	"upper": func(in any, _ []any) (any, error) {
		return strings.ToUpper(stringOf(in)), nil
	},
	"lower": func(in any, _ []any) (any, error) {
		return strings.ToLower(stringOf(in)), nil
	},
}

// helperFunc is a callable exposed to expressions by name
type helperFunc func(args ...any) (any, error)

// Context is one message's rendering scope: the exposed variables plus the
// helper set bound to this engine's uuid and clock sources.
type Context struct {
	vars    map[string]any
	helpers map[string]helperFunc
}

// NewContext builds a rendering context. uuidFn and nowFn are injected so
// rendering stays pure under fixed sources.
func NewContext(vars map[string]any, uuidFn func() string, nowFn func() time.Time) *Context {
	ctx := &Context{vars: vars}
	ctx.helpers = map[string]helperFunc{
		"now": func(...any) (any, error) {
			return nowFn().Unix(), nil
		},
		"uuid": func(...any) (any, error) {
			return uuidFn(), nil
		},
		"get_device_by_type": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("template: get_device_by_type wants (devices, type)")
			}
			list, ok := args[0].([]any)
			if !ok {
				return nil, nil
			}
			want := stringOf(args[1])
			for _, item := range list {
				if d, ok := item.(map[string]any); ok && stringOf(d["type"]) == want {
					return d, nil
				}
			}
			return nil, nil
		},
		"get_device_value": func(args ...any) (any, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("template: get_device_value wants (device, key, default?)")
			}
			var fallback any
			if len(args) > 2 {
				fallback = args[2]
			}
			d, ok := args[0].(map[string]any)
			if !ok {
				return fallback, nil
			}
			values, ok := d["values"].(map[string]any)
			if !ok {
				return fallback, nil
			}
			if v, ok := values[stringOf(args[1])]; ok {
				return v, nil
			}
			return fallback, nil
		},
		"get_gateway_metadata": func(args ...any) (any, error) {
			if len(args) < 2 {
				return nil, fmt.Errorf("template: get_gateway_metadata wants (gateway, key, default?)")
			}
			var fallback any
			if len(args) > 2 {
				fallback = args[2]
			}
			gw, ok := args[0].(map[string]any)
			if !ok {
				return fallback, nil
			}
			meta, ok := gw["metadata"].(map[string]any)
			if !ok {
				return fallback, nil
			}
			if v, ok := meta[stringOf(args[1])]; ok {
				return v, nil
			}
			return fallback, nil
		},
	}
	return ctx
}
