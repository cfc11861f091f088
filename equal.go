package reactive

import (
	"math"
	"reflect"
)

// SameValue reports whether a and b are the same value. Floats follow
// Object.is rules (NaN equals NaN, +0 and -0 differ), reference kinds such as
// maps, slices and funcs compare by identity, and everything else compares
// with ==. Values that cannot be compared are reported as different.
func SameValue(a, b any) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && sameFloat(av, bv)
	case float32:
		bv, ok := b.(float32)
		return ok && sameFloat(float64(av), float64(bv))
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}

	switch ra.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	case reflect.Slice:
		return ra.Pointer() == rb.Pointer() && ra.Len() == rb.Len()
	}

	if !ra.Type().Comparable() {
		return false
	}

	// Interface fields inside structs can still hold non-comparable values.
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func sameFloat(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	if a == 0 && b == 0 {
		return math.Signbit(a) == math.Signbit(b)
	}
	return a == b
}
