package normalization

import "fmt"

// EnumNormalizer wraps a Normalizer with the enum's own name, so error and
// warning messages read "invalid update_method" instead of a bare value
// mismatch config.go would otherwise have to annotate itself.
type EnumNormalizer[T comparable] struct {
	inner     *Normalizer[T]
	fieldName string
}

// NewEnumNormalizer builds an EnumNormalizer for a config.toml field named
// fieldName (e.g. "update_method"), accepting the given canonical values and
// falling back to fallback for anything unrecognized.
func NewEnumNormalizer[T comparable](fieldName string, values map[string]T, fallback T) *EnumNormalizer[T] {
	return &EnumNormalizer[T]{
		inner:     NewNormalizer(values, fallback),
		fieldName: fieldName,
	}
}

// Normalize folds raw onto its enum value, or the fallback if unrecognized.
func (e *EnumNormalizer[T]) Normalize(raw string) T {
	return e.inner.Normalize(raw)
}

// NormalizeWithValidation is Normalize, but returns an error naming the
// field when raw doesn't match any configured value.
func (e *EnumNormalizer[T]) NormalizeWithValidation(raw string) (T, error) {
	v, err := e.inner.NormalizeWithError(raw)
	if err != nil {
		return v, fmt.Errorf("invalid %s: %w", e.fieldName, err)
	}
	return v, nil
}

// IsValid reports whether raw's normalized value is one of this enum's
// values. Unrecognized input normalizes to the fallback, so it counts as
// valid whenever the fallback is itself one of the configured values.
func (e *EnumNormalizer[T]) IsValid(raw string) bool {
	return e.inner.ValidateEnum(e.inner.Normalize(raw))
}

// ValidValues lists the accepted, folded values for this field.
func (e *EnumNormalizer[T]) ValidValues() []string {
	return e.inner.ValidKeys()
}

// NormalizationResult reports what Normalize did to a raw config value, for
// callers (config.go's loader) that want to warn on an implicit correction
// rather than applying it silently.
type NormalizationResult[T comparable] struct {
	Value   T
	Changed bool
	Warning string
}

// NormalizeWithWarning folds raw for fieldName and reports whether folding
// actually changed anything (extra whitespace, wrong case), with a
// human-readable warning message when it did.
func (e *EnumNormalizer[T]) NormalizeWithWarning(fieldName, raw string) NormalizationResult[T] {
	folded := clean(raw)
	value := e.inner.Normalize(raw)

	changed := folded != raw
	var warning string
	if changed {
		warning = fmt.Sprintf("normalized %s from %q to %q", fieldName, raw, folded)
	}

	return NormalizationResult[T]{Value: value, Changed: changed, Warning: warning}
}
