package core

import (
	"fmt"

	"github.com/mohae/deepcopy"
)

// DeepCopy returns a deep copy of v. Used wherever the engine hands data
// across an ownership boundary: plan snapshots, sanitised trigger payloads,
// history records.
func DeepCopy[T any](v T) (T, error) {
	var zero T
	copied := deepcopy.Copy(v)
	result, ok := copied.(T)
	if !ok {
		return zero, fmt.Errorf("failed to cast copied value to type %T", zero)
	}
	return result, nil
}

// MustDeepCopy is DeepCopy for values that are known plain data; a cast
// failure here means a programming error, so it returns the zero value
// rather than propagating.
func MustDeepCopy[T any](v T) T {
	copied, err := DeepCopy(v)
	if err != nil {
		var zero T
		return zero
	}
	return copied
}

// CopyMap deep-copies a map[string]any payload; nil in, nil out.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	copied := deepcopy.Copy(m)
	result, ok := copied.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return result
}
