// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package astarte

import (
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type valueType struct {
	// Converts an outgoing Go value to its wire representation.
	encode func(any) (any, bool)

	// Decodes an incoming wire value.
	decode func(bson.RawValue) (any, error)
}

var valueTypes = map[string]valueType{
	"double":      {encodeDouble, decodeAs[float64]},
	"integer":     {encodeInteger, decodeAs[int32]},
	"longinteger": {encodeLongInteger, decodeAs[int64]},
	"boolean":     {encodeAs[bool], decodeAs[bool]},
	"string":      {encodeAs[string], decodeAs[string]},
	"binaryblob":  {encodeAs[[]byte], decodeAs[[]byte]},
	"datetime":    {encodeDatetime, decodeDatetime},

	"doublearray":      {encodeArray(encodeDouble), decodeAs[[]float64]},
	"integerarray":     {encodeArray(encodeInteger), decodeAs[[]int32]},
	"longintegerarray": {encodeArray(encodeLongInteger), decodeAs[[]int64]},
	"booleanarray":     {encodeArray(encodeAs[bool]), decodeAs[[]bool]},
	"stringarray":      {encodeArray(encodeAs[string]), decodeAs[[]string]},
	"binaryblobarray":  {encodeArray(encodeAs[[]byte]), decodeAs[[][]byte]},
	"datetimearray":    {encodeArray(encodeDatetime), decodeDatetimeArray},
}

// Check an outgoing value against the mapping type and convert it to its
// wire representation.
func encodeValue(typ string, value any) (any, error) {
	vt, ok := valueTypes[typ]
	if !ok {
		return nil, fmt.Errorf("unknown mapping type %q", typ)
	}
	wire, ok := vt.encode(value)
	if !ok {
		return nil, fmt.Errorf("%T is not a valid %s", value, typ)
	}
	return wire, nil
}

// Decode an incoming value; values on unknown mappings are decoded with the
// default BSON mapping.
func decodeValue(typ string, raw bson.RawValue) (any, error) {
	if vt, ok := valueTypes[typ]; ok {
		return vt.decode(raw)
	}
	var v any
	err := raw.Unmarshal(&v)
	return v, err
}

func encodeAs[T any](value any) (any, bool) {
	v, ok := value.(T)
	return v, ok
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

func encodeDouble(value any) (any, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		i, ok := toInt64(value)
		if !ok {
			return nil, false
		}
		f = float64(i)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	return f, true
}

func encodeInteger(value any) (any, bool) {
	i, ok := toInt64(value)
	if !ok || i < math.MinInt32 || i > math.MaxInt32 {
		return nil, false
	}
	return int32(i), true
}

func encodeLongInteger(value any) (any, bool) {
	i, ok := toInt64(value)
	if !ok {
		return nil, false
	}
	return i, true
}

func encodeDatetime(value any) (any, bool) {
	t, ok := value.(time.Time)
	if !ok {
		return nil, false
	}
	return primitive.NewDateTimeFromTime(t), true
}

func encodeArray(elem func(any) (any, bool)) func(any) (any, bool) {
	return func(value any) (any, bool) {
		var items []any
		switch v := value.(type) {
		case []any:
			items = v
		case []float64:
			items = toAny(v)
		case []int:
			items = toAny(v)
		case []int32:
			items = toAny(v)
		case []int64:
			items = toAny(v)
		case []bool:
			items = toAny(v)
		case []string:
			items = toAny(v)
		case [][]byte:
			items = toAny(v)
		case []time.Time:
			items = toAny(v)
		default:
			return nil, false
		}

		out := make([]any, len(items))
		for k, item := range items {
			var ok bool
			if out[k], ok = elem(item); !ok {
				return nil, false
			}
		}
		return out, true
	}
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func decodeAs[T any](raw bson.RawValue) (any, error) {
	var v T
	if err := raw.Unmarshal(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeDatetime(raw bson.RawValue) (any, error) {
	return decodeTime(raw)
}

func decodeDatetimeArray(raw bson.RawValue) (any, error) {
	array, ok := raw.ArrayOK()
	if !ok {
		return nil, fmt.Errorf("expected an array, got %s", raw.Type)
	}
	values, err := array.Values()
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(values))
	for k, v := range values {
		if out[k], err = decodeTime(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}
