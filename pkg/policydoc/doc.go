// Package policydoc holds one policy document per target (the gateway
// itself, or a remote execution node). Documents are nested trees edited
// through path-addressed patches; validation runs once at save time, and a
// failed save leaves the committed document untouched.
package policydoc

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrPathNotFound = errors.New("policy path not found")
	ErrBadPath      = errors.New("policy path not addressable")
)

// getPath walks node by ordered segments. A segment addresses a map key,
// or an index when the current node is a slice.
func getPath(node any, path []string) (any, bool) {
	if len(path) == 0 {
		return node, true
	}
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[path[0]]
		if !ok {
			return nil, false
		}
		return getPath(child, path[1:])
	case []any:
		idx, err := strconv.Atoi(path[0])
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return getPath(n[idx], path[1:])
	default:
		return nil, false
	}
}

// setPath creates intermediate objects as needed. Slice segments may address
// an existing index or the position one past the end, which appends.
func setPath(node any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	seg := path[0]
	switch n := node.(type) {
	case nil:
		child, err := setPath(nil, path[1:], value)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: child}, nil
	case map[string]any:
		child, err := setPath(n[seg], path[1:], value)
		if err != nil {
			return nil, err
		}
		n[seg] = child
		return n, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx > len(n) {
			return nil, fmt.Errorf("%w: index %q", ErrBadPath, seg)
		}
		if idx == len(n) {
			child, err := setPath(nil, path[1:], value)
			if err != nil {
				return nil, err
			}
			return append(n, child), nil
		}
		child, err := setPath(n[idx], path[1:], value)
		if err != nil {
			return nil, err
		}
		n[idx] = child
		return n, nil
	default:
		return nil, fmt.Errorf("%w: segment %q addresses a scalar", ErrBadPath, seg)
	}
}

func removePath(node any, path []string) (any, error) {
	if len(path) == 0 {
		return nil, ErrBadPath
	}
	seg := path[0]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		if !ok {
			return nil, ErrPathNotFound
		}
		if len(path) == 1 {
			delete(n, seg)
			return n, nil
		}
		updated, err := removePath(child, path[1:])
		if err != nil {
			return nil, err
		}
		n[seg] = updated
		return n, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, ErrPathNotFound
		}
		if len(path) == 1 {
			return append(n[:idx:idx], n[idx+1:]...), nil
		}
		updated, rerr := removePath(n[idx], path[1:])
		if rerr != nil {
			return nil, rerr
		}
		n[idx] = updated
		return n, nil
	default:
		return nil, ErrPathNotFound
	}
}

// deepCopy clones the JSON-shaped tree so committed and working views never
// alias.
func deepCopy(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = deepCopy(v)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = deepCopy(v)
		}
		return out
	default:
		return n
	}
}
