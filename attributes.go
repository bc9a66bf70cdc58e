package restsync

import (
	"reflect"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// a permissive attribute bag for one remote resource.
// values are the parsed json types: nil, bool, float64, string,
// []any, and nested map[string]any
type Attributes map[string]any

// deep copy. nested maps and lists are copied, scalars are shared
func CopyAttributes(attributes Attributes) Attributes {
	if attributes == nil {
		return Attributes{}
	}
	out := make(Attributes, len(attributes))
	for name, value := range attributes {
		out[name] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case Attributes:
		return CopyAttributes(v)
	case map[string]any:
		return CopyAttributes(Attributes(v))
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	default:
		return value
	}
}

// the structured/atomic classification used by the diff:
// object-shaped values are structured, arrays and scalars are atomic
func plainMap(value any) (Attributes, bool) {
	switch v := value.(type) {
	case Attributes:
		return v, true
	case map[string]any:
		return Attributes(v), true
	default:
		return nil, false
	}
}

func deepEqual(a any, b any) bool {
	// normalize the Attributes/map[string]any split before comparing
	if aMap, ok := plainMap(a); ok {
		bMap, ok := plainMap(b)
		if !ok {
			return false
		}
		if len(aMap) != len(bMap) {
			return false
		}
		for name, aValue := range aMap {
			bValue, ok := bMap[name]
			if !ok {
				return false
			}
			if !deepEqual(aValue, bValue) {
				return false
			}
		}
		return true
	}
	if aList, ok := a.([]any); ok {
		bList, ok := b.([]any)
		if !ok {
			return false
		}
		if len(aList) != len(bList) {
			return false
		}
		for i := range aList {
			if !deepEqual(aList[i], bList[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// truthiness of a primary key value. the zero values of the json types
// mean "not assigned yet"
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}

func sortedKeys(attributes Attributes) []string {
	names := maps.Keys(attributes)
	slices.Sort(names)
	return names
}
