package responder

import "strings"

// Env is an immutable, request-scoped environment mapping. Iteration
// order is the insertion order of construction, so dumping the same Env
// twice yields the same output.
type Env struct {
	keys   []string
	values map[string]string
}

// NewEnv builds an Env from KEY=VALUE pairs, typically os.Environ().
// Entries without '=' or with an empty key are skipped. A duplicate key
// keeps its first position but takes the last value, matching process
// environment semantics.
func NewEnv(pairs ...string) Env {
	e := Env{values: make(map[string]string, len(pairs))}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if _, seen := e.values[k]; !seen {
			e.keys = append(e.keys, k)
		}
		e.values[k] = v
	}
	return e
}

// Get returns the value for key, or the empty string if absent.
func (e Env) Get(key string) string {
	return e.values[key]
}

// Lookup returns the value for key and whether the key is present,
// distinguishing a present-but-empty value from an absent one.
func (e Env) Lookup(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Len returns the number of entries.
func (e Env) Len() int {
	return len(e.keys)
}

// Each calls fn for every entry in insertion order.
func (e Env) Each(fn func(key, value string)) {
	for _, k := range e.keys {
		fn(k, e.values[k])
	}
}
