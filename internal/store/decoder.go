package store

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// DisplayText decodes a recognized primitive or collection type into a
// human-rendered preview, the Go-idiomatic counterpart of
// try_decode_value in the teacher's output decoder: a type-name switch
// rather than a macro, since Go has no textual macro expansion.
//
// Returns ("", false) for any type not in the recognized set — callers
// store no display_text for those outputs, exactly as the source leaves
// try_decode_value returning None for an unsupported type.
func DisplayText(typeName string, data []byte) (string, bool) {
	typeName = normalizeTypeName(typeName)

	switch typeName {
	case "()":
		return "()", true
	case "String", "&str", "str":
		var v string
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%q", v), true
	case "bool":
		var v bool
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	case "i8", "i16", "i32", "i64":
		var v int64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%d", v), true
	case "u8", "u16", "u32", "u64":
		var v uint64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%d", v), true
	case "f32", "f64":
		var v float64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	}

	if inner, ok := stripWrapper(typeName, "Vec<"); ok {
		return decodeVec(inner, data)
	}
	if inner, ok := stripWrapper(typeName, "Option<"); ok {
		return decodeOption(inner, data)
	}

	return "", false
}

func decodeVec(elemType string, data []byte) (string, bool) {
	switch elemType {
	case "i8", "i16", "i32", "i64":
		var v []int64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	case "u8", "u16", "u32", "u64":
		var v []uint64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	case "f32", "f64":
		var v []float64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	case "bool":
		var v []bool
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	case "String", "&str", "str":
		var v []string
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return formatStringSlice(v), true
	default:
		return "", false
	}
}

func decodeOption(elemType string, data []byte) (string, bool) {
	switch elemType {
	case "i8", "i16", "i32", "i64":
		var v *int64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return formatOption(v), true
	case "f32", "f64":
		var v *float64
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return formatOption(v), true
	case "bool":
		var v *bool
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		return formatOption(v), true
	case "String", "&str", "str":
		var v *string
		if err := msgpack.Unmarshal(data, &v); err != nil {
			return "", false
		}
		if v == nil {
			return "None", true
		}
		return fmt.Sprintf("Some(%q)", *v), true
	default:
		return "", false
	}
}

func formatOption[T any](v *T) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("Some(%v)", *v)
}

func formatStringSlice(v []string) string {
	quoted := make([]string, len(v))
	for i, s := range v {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
