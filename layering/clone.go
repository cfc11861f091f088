package layering

import "reflect"

// Clone returns a deep copy of value. Maps, slices, pointers and structs are
// copied recursively; funcs and channels are shared. A reference back to a
// container that is still being copied becomes nil, so cyclic input yields an
// acyclic copy.
func Clone[T any](value T) T {
	cloned := cloneValue(reflect.ValueOf(value))
	if !cloned.IsValid() {
		var zero T
		return zero
	}
	out, ok := cloned.Interface().(T)
	if !ok {
		return value
	}
	return out
}

func cloneValue(v reflect.Value) reflect.Value {
	return cloneTracked(v, onPath{})
}

// onPath holds the containers on the current descent.
type onPath map[visit]struct{}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

// enter records v on the path. It reports false when v is already being
// walked, meaning v refers back to one of its own ancestors.
func (p onPath) enter(v reflect.Value) (visit, bool) {
	switch v.Kind() {
	case reflect.Map, reflect.Pointer:
		if v.IsNil() {
			return visit{}, true
		}
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return visit{}, true
		}
	default:
		return visit{}, true
	}
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if _, seen := p[key]; seen {
		return key, false
	}
	p[key] = struct{}{}
	return key, true
}

func (p onPath) leave(key visit) {
	if key.typ != nil {
		delete(p, key)
	}
}

func cloneTracked(v reflect.Value, path onPath) reflect.Value {
	if !v.IsValid() {
		return v
	}
	key, ok := path.enter(v)
	if !ok {
		return reflect.Value{}
	}
	defer path.leave(key)

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.New(v.Type().Elem())
		clone.Elem().Set(asElem(cloneTracked(v.Elem(), path), v.Type().Elem()))
		return clone
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		elem := cloneTracked(v.Elem(), path)
		if !elem.IsValid() {
			return reflect.Zero(v.Type())
		}
		return elem
	case reflect.Struct:
		clone := reflect.New(v.Type()).Elem()
		clone.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := clone.Field(i)
			if !field.CanSet() {
				continue
			}
			field.Set(asElem(cloneTracked(v.Field(i), path), field.Type()))
		}
		return clone
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), asElem(cloneTracked(iter.Value(), path), v.Type().Elem()))
		}
		return clone
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(asElem(cloneTracked(v.Index(i), path), v.Type().Elem()))
		}
		return clone
	case reflect.Array:
		clone := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(asElem(cloneTracked(v.Index(i), path), v.Type().Elem()))
		}
		return clone
	default:
		if v.CanInterface() {
			return reflect.ValueOf(v.Interface())
		}
		return v
	}
}
