// Package rule evaluates boolean filter predicates over canonical messages.
// Rules are a closed set of variants: value equality, numeric range, regex
// search, set membership, and boolean composition with and/or.
package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one step of a resolved field path: a map key or array index
type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// parsePath parses the field path grammar `segment ( . segment | [index] )*`,
// e.g. "devices[0].values.temperature".
func parsePath(path string) ([]pathSegment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rule.parsePath: empty field path")
	}

	var segments []pathSegment
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			segments = append(segments, pathSegment{key: buf.String()})
			buf.Reset()
		}
	}

	i := 0
	for i < len(path) {
		switch c := path[i]; c {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("rule.parsePath: unterminated index in %q", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("rule.parsePath: bad index in %q: %w", path, err)
			}
			segments = append(segments, pathSegment{index: idx, isIdx: true})
			i += end + 1
		default:
			buf.WriteByte(c)
			i++
		}
	}
	flush()

	if len(segments) == 0 {
		return nil, fmt.Errorf("rule.parsePath: empty field path")
	}
	return segments, nil
}

// resolvePath walks a value tree along a parsed path. The second return is
// false when any segment is missing or mistyped.
func resolvePath(root any, segments []pathSegment) (any, bool) {
	current := root
	for _, seg := range segments {
		if seg.isIdx {
			list, ok := current.([]any)
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Lookup resolves a dotted/bracketed field path against a value tree
func Lookup(root any, path string) (any, bool) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return resolvePath(root, segments)
}
