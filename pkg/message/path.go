package message

import (
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// ParsePath splits a property expression into its segments. Segments are
// either strings (object keys) or ints (array indexes). A leading "msg."
// is accepted and ignored.
//
//	payload.device.id      -> ["payload" "device" "id"]
//	data[0]['name']        -> ["data" 0 "name"]
//	msg.headers["x-id"]    -> ["headers" "x-id"]
func ParsePath(expr string) ([]any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if strings.HasPrefix(expr, "msg.") {
		expr = expr[len("msg."):]
	}

	var segments []any
	start := 0
	i := 0
	for i < len(expr) {
		switch expr[i] {
		case '.':
			if i == start {
				return nil, fmt.Errorf("invalid property expression %q: unexpected '.' at %d", expr, i)
			}
			segments = append(segments, expr[start:i])
			i++
			start = i
			if i == len(expr) {
				return nil, fmt.Errorf("invalid property expression %q: trailing '.'", expr)
			}
		case '[':
			if i > start {
				segments = append(segments, expr[start:i])
			} else if i == 0 {
				return nil, fmt.Errorf("invalid property expression %q: unexpected '['", expr)
			}
			seg, next, err := parseBracket(expr, i)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			i = next
			if i < len(expr) {
				switch expr[i] {
				case '.':
					i++
					if i == len(expr) {
						return nil, fmt.Errorf("invalid property expression %q: trailing '.'", expr)
					}
				case '[':
				default:
					return nil, fmt.Errorf("invalid property expression %q: unexpected %q at %d", expr, expr[i], i)
				}
			}
			start = i
		case ']', '\'', '"':
			return nil, fmt.Errorf("invalid property expression %q: unexpected %q at %d", expr, expr[i], i)
		default:
			i++
		}
	}
	if start < len(expr) {
		segments = append(segments, expr[start:])
	}
	return segments, nil
}

// parseBracket reads one [..] group starting at expr[open] and returns the
// segment and the index just past the closing bracket.
func parseBracket(expr string, open int) (any, int, error) {
	i := open + 1
	if i >= len(expr) {
		return nil, 0, fmt.Errorf("invalid property expression %q: unterminated '['", expr)
	}
	if q := expr[i]; q == '\'' || q == '"' {
		end := strings.IndexByte(expr[i+1:], q)
		if end < 0 {
			return nil, 0, fmt.Errorf("invalid property expression %q: unterminated string", expr)
		}
		key := expr[i+1 : i+1+end]
		closeAt := i + 1 + end + 1
		if closeAt >= len(expr) || expr[closeAt] != ']' {
			return nil, 0, fmt.Errorf("invalid property expression %q: expected ']' at %d", expr, closeAt)
		}
		return key, closeAt + 1, nil
	}
	end := strings.IndexByte(expr[i:], ']')
	if end < 0 {
		return nil, 0, fmt.Errorf("invalid property expression %q: unterminated '['", expr)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(expr[i : i+end]))
	if err != nil || idx < 0 {
		return nil, 0, fmt.Errorf("invalid property expression %q: bad index %q", expr, expr[i:i+end])
	}
	return idx, i + end + 1, nil
}

func lookup(root any, segments []any) (any, bool) {
	current := root
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, seg any) (any, bool) {
	switch container := current.(type) {
	case Message:
		return step(map[string]any(container), seg)
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			key = strconv.Itoa(seg.(int))
		}
		v, ok := container[key]
		return v, ok
	case []any:
		idx, ok := seg.(int)
		if !ok || idx >= len(container) {
			return nil, false
		}
		return container[idx], true
	case http.Header:
		key, ok := seg.(string)
		if !ok {
			return nil, false
		}
		values := container.Values(key)
		if len(values) == 0 {
			return nil, false
		}
		return strings.Join(values, ", "), true
	case nil:
		return nil, false
	}

	// Typed maps and slices from decoded responses
	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key, ok := seg.(string)
		if !ok {
			key = strconv.Itoa(seg.(int))
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, ok := seg.(int)
		if !ok || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

func assign(root map[string]any, segments []any, value any) error {
	var current any = root
	for i, seg := range segments {
		last := i == len(segments)-1
		switch container := current.(type) {
		case Message:
			return assign(map[string]any(container), segments[i:], value)
		case map[string]any:
			key, ok := seg.(string)
			if !ok {
				key = strconv.Itoa(seg.(int))
			}
			if last {
				container[key] = value
				return nil
			}
			next, exists := container[key]
			if !exists || next == nil {
				if _, isIndex := segments[i+1].(int); isIndex {
					return fmt.Errorf("cannot create array at %q", key)
				}
				next = make(map[string]any)
				container[key] = next
			}
			current = next
		case []any:
			idx, ok := seg.(int)
			if !ok || idx >= len(container) {
				return fmt.Errorf("index %v out of range", seg)
			}
			if last {
				container[idx] = value
				return nil
			}
			if container[idx] == nil {
				container[idx] = make(map[string]any)
			}
			current = container[idx]
		default:
			return fmt.Errorf("cannot set property %v on %T", seg, current)
		}
	}
	return nil
}
