package layering

import (
	"encoding/json"
	"reflect"
	"time"
)

const maxSanitizeDepth = 64

// Sanitize returns a copy of value containing only plain data: nil, bools,
// numbers, strings, time.Time, map[string]any and []any. Funcs, channels,
// complex numbers and maps keyed by anything other than strings are dropped.
// Dropped sequence elements become nil so indexes stay stable. Structs are
// reduced through their JSON encoding. A reference back to a container that
// is still being copied is dropped. Sanitize never panics.
func Sanitize(value any) any {
	out, _ := sanitize(reflect.ValueOf(value), 0, onPath{})
	return out
}

// SanitizeMap is Sanitize for a mapping root.
func SanitizeMap(value map[string]any) map[string]any {
	out, ok := Sanitize(value).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

func sanitize(v reflect.Value, depth int, path onPath) (out any, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = nil, false
		}
	}()

	if !v.IsValid() {
		return nil, true
	}
	if depth > maxSanitizeDepth {
		return nil, false
	}
	key, fresh := path.enter(v)
	if !fresh {
		return nil, false
	}
	defer path.leave(key)

	if t, isTime := asTime(v); isTime {
		return t, true
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.String:
		return v.String(), true
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		return sanitize(v.Elem(), depth+1, path)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		if v.IsNil() {
			return map[string]any{}, true
		}
		result := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			child, keep := sanitize(iter.Value(), depth+1, path)
			if !keep {
				continue
			}
			result[iter.Key().String()] = child
		}
		return result, true
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return []any{}, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Kind() == reflect.Slice {
			return append([]byte(nil), v.Bytes()...), true
		}
		result := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			child, keep := sanitize(v.Index(i), depth+1, path)
			if keep {
				result[i] = child
			}
		}
		return result, true
	case reflect.Struct:
		return sanitizeStruct(v, depth, path)
	default:
		// Func, Chan, Complex64/128, UnsafePointer.
		return nil, false
	}
}

func sanitizeStruct(v reflect.Value, depth int, path onPath) (any, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	return sanitize(reflect.ValueOf(decoded), depth+1, path)
}

func asTime(v reflect.Value) (time.Time, bool) {
	if v.Kind() != reflect.Struct || !v.CanInterface() {
		return time.Time{}, false
	}
	t, ok := v.Interface().(time.Time)
	return t, ok
}
