// Package cachekey builds the deterministic cache keys and subscription
// member strings described in spec.md §3 and §6: canonical JSON of a
// params map, with object keys sorted and no whitespace, composed with
// the adapter/endpoint/transport tuple and an optional namespace prefix.
package cachekey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical returns the minimal-form JSON encoding of params: keys sorted
// lexicographically, no insignificant whitespace, numbers normalized by
// encoding/json's default float formatting. Two maps with identical
// key/value pairs but different insertion order canonicalize identically
// (spec.md §8, "requests differing only in params key insertion order").
func Canonical(params map[string]any) (string, error) {
	ordered, err := orderedValue(params)
	if err != nil {
		return "", fmt.Errorf("cachekey: canonicalize params: %w", err)
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("cachekey: marshal canonical params: %w", err)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("cachekey: compact canonical params: %w", err)
	}
	return buf.String(), nil
}

// orderedValue produces a value whose map keys will be serialized in
// sorted order. encoding/json already sorts map[string]any keys on
// Marshal, so this mainly recurses to normalize nested maps consistently
// and to reject unsupported types early with a clear error.
func orderedValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nested, err := orderedValue(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = nested
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			nested, err := orderedValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = nested
		}
		return out, nil
	default:
		return val, nil
	}
}

// Key builds the deterministic cache key of spec.md §3/§6:
//
//	{prefix?-}{adapter}-{endpoint}-{transport}-{canonical-json(params)}
func Key(prefix, adapter, endpoint, transport string, params map[string]any) (string, error) {
	canon, err := Canonical(params)
	if err != nil {
		return "", err
	}
	return join(prefix, adapter, endpoint, transport) + "-" + canon, nil
}

// InFlightKey builds the per-replica coalescing marker key used by the
// REST transport, spec.md §3: `InFlight-{cacheKey}`.
func InFlightKey(cacheKey string) string {
	return "InFlight-" + cacheKey
}

// LockKey builds the distributed lock key of spec.md §6:
// `{prefix?-}{adapter}-lock`.
func LockKey(prefix, adapter string) string {
	if prefix == "" {
		return adapter + "-lock"
	}
	return prefix + "-" + adapter + "-lock"
}

// SubscriptionSetKey builds the remote subscription sorted-set key of
// spec.md §6: `{prefix?-}{adapter}-{endpoint}-{transport}-subs`.
func SubscriptionSetKey(prefix, adapter, endpoint, transport string) string {
	return join(prefix, adapter, endpoint, transport) + "-subs"
}

func join(prefix, adapter, endpoint, transport string) string {
	if prefix == "" {
		return fmt.Sprintf("%s-%s-%s", adapter, endpoint, transport)
	}
	return fmt.Sprintf("%s-%s-%s-%s", prefix, adapter, endpoint, transport)
}
