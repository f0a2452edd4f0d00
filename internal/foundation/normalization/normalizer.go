// Package normalization implements generic string-to-enum normalization for
// config.toml's free-text enum fields (update_method,
// metadata_preservation_mode), so config.go validates them once through a
// shared, tested path instead of a hand-rolled switch per field.
package normalization

import (
	"fmt"
	"sort"
	"strings"
)

// Normalizer maps arbitrary input strings onto a fixed set of T values,
// tolerating case and whitespace differences in config.toml.
type Normalizer[T comparable] struct {
	byKey      map[string]T
	fallback   T
	sortedKeys []string
	fold       Func
}

// NewNormalizer builds a Normalizer from a map of canonical-string -> value
// pairs. Keys are folded through clean before being stored, so lookups at
// Normalize time only need to fold the input the same way.
func NewNormalizer[T comparable](values map[string]T, fallback T) *Normalizer[T] {
	return newNormalizer(values, fallback, clean)
}

// WithCustomNormalizer is NewNormalizer with a caller-supplied folding
// function in place of the default lower-and-trim.
func WithCustomNormalizer[T comparable](values map[string]T, fallback T, fold Func) *Normalizer[T] {
	return newNormalizer(values, fallback, fold)
}

func newNormalizer[T comparable](values map[string]T, fallback T, fold Func) *Normalizer[T] {
	byKey := make(map[string]T, len(values))
	keys := make([]string, 0, len(values))
	for k, v := range values {
		folded := fold(k)
		byKey[folded] = v
		keys = append(keys, folded)
	}
	sort.Strings(keys)

	return &Normalizer[T]{byKey: byKey, fallback: fallback, sortedKeys: keys, fold: fold}
}

// Normalize folds raw and looks it up, returning the configured fallback
// value for anything unrecognized.
func (n *Normalizer[T]) Normalize(raw string) T {
	if v, ok := n.byKey[n.fold(raw)]; ok {
		return v
	}
	return n.fallback
}

// NormalizeWithError is Normalize, but reports unrecognized input as an error
// listing the valid keys instead of silently substituting the fallback.
func (n *Normalizer[T]) NormalizeWithError(raw string) (T, error) {
	if v, ok := n.byKey[n.fold(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("unrecognized value %q, valid options: %s", raw, strings.Join(n.sortedKeys, ", "))
}

// ValidateEnum reports whether value is one this Normalizer was built with,
// for validating a value obtained some other way (e.g. already-normalized
// config that was round-tripped through a different layer).
func (n *Normalizer[T]) ValidateEnum(value T) bool {
	for _, v := range n.byKey {
		if v == value {
			return true
		}
	}
	return false
}

// ValidKeys returns the accepted, folded keys in sorted order.
func (n *Normalizer[T]) ValidKeys() []string {
	out := make([]string, len(n.sortedKeys))
	copy(out, n.sortedKeys)
	return out
}

// clean is the default folding function: lowercase, whitespace-trimmed.
func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Func is a custom folding function for WithCustomNormalizer.
type Func func(string) string
