package config

import "fmt"

// Window keys name the context-window policies a generation run can use.
const (
	WindowOne  = "one"
	WindowHalf = "half"
	WindowMax  = "max"
)

// WindowKeys lists the policies from narrowest to widest.
var WindowKeys = []string{WindowOne, WindowHalf, WindowMax}

// ResolveWindow turns a symbolic window key into a token count bounded by maxCtx.
func ResolveWindow(key string, genLen, maxCtx int) (int, error) {
	switch key {
	case WindowOne:
		return 1, nil
	case WindowHalf:
		return min(maxCtx, max(1, genLen/2)), nil
	case WindowMax:
		return min(maxCtx, genLen), nil
	default:
		return 0, fmt.Errorf("unknown window key %q", key)
	}
}

// WindowMap resolves every known key.
func WindowMap(genLen, maxCtx int) map[string]int {
	m := make(map[string]int, len(WindowKeys))
	for _, k := range WindowKeys {
		m[k], _ = ResolveWindow(k, genLen, maxCtx)
	}
	return m
}
