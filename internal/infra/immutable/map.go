// Package immutable provides copy-on-write map helpers.
//
// All routing state (channel bindings, dispatchers, conversation bindings,
// scope overrides) is held as immutable map values. A mutation builds a new
// map and the owner swaps the reference under its own lock; concurrent
// readers holding the old reference keep a stable snapshot without locking.
package immutable

// MapSet returns a copy of m with k set to v. The input map is never
// modified. A nil input behaves as an empty map.
func MapSet[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

// MapDelete returns a copy of m without k. Returns m unchanged (same
// reference) when k is absent, so callers can cheaply no-op.
func MapDelete[K comparable, V any](m map[K]V, k K) map[K]V {
	if _, ok := m[k]; !ok {
		return m
	}
	out := make(map[K]V, len(m)-1)
	for key, val := range m {
		if key != k {
			out[key] = val
		}
	}
	return out
}

// MapFilter returns a copy of m containing only entries for which keep
// returns true.
func MapFilter[K comparable, V any](m map[K]V, keep func(K, V) bool) map[K]V {
	out := make(map[K]V, len(m))
	for key, val := range m {
		if keep(key, val) {
			out[key] = val
		}
	}
	return out
}
