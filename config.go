// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Config is a normalized module configuration. Normalized values are
// restricted to nil, bool, int64, float64 (finite and non-integral),
// string, []interface{}, and map[string]interface{}, recursively.
// Two configurations that differ only in key order or in the
// representation of equal numbers normalize to equal Configs and
// hence have equal canonical encodings.
type Config map[string]interface{}

// NormalizeConfig normalizes the provided value into a Config. The
// value may be nil (an empty configuration), a map with string keys,
// or a struct, which is normalized through its JSON encoding.
// Non-normalizable values (functions, channels, complex numbers, NaN
// or infinite floats, non-string map keys) yield a *ConfigError.
func NormalizeConfig(v interface{}) (Config, error) {
	norm, err := normalize(v, "")
	if err != nil {
		return nil, err
	}
	switch norm := norm.(type) {
	case nil:
		return Config{}, nil
	case map[string]interface{}:
		return Config(norm), nil
	default:
		return nil, &ConfigError{Err: fmt.Errorf("configuration must be a map, not %T", v)}
	}
}

// Canonical returns the canonical encoding of the configuration:
// compact JSON with sorted keys. Equal configurations have equal
// canonical encodings.
func (c Config) Canonical() []byte {
	if c == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(map[string]interface{}(c))
	if err != nil {
		// Normalized values are always encodable.
		panic(fmt.Sprintf("bigstep: canonical encoding of normalized config: %v", err))
	}
	return b
}

// String returns the canonical encoding of c.
func (c Config) String() string {
	return string(c.Canonical())
}

// Decode decodes the configuration into the provided value, which
// is typically a pointer to a module-specific configuration struct.
func (c Config) Decode(v interface{}) error {
	return json.Unmarshal(c.Canonical(), v)
}

// UnmarshalJSON decodes and normalizes a JSON-encoded configuration.
func (c *Config) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := decodeJSON(b, &v); err != nil {
		return err
	}
	norm, err := NormalizeConfig(v)
	if err != nil {
		return err
	}
	*c = norm
	return nil
}

func decodeJSON(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func normalize(v interface{}, path string) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		return x, nil
	case json.Number:
		return normalizeNumber(string(x), path)
	case json.RawMessage:
		var u interface{}
		if err := decodeJSON(x, &u); err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		return normalize(u, path)
	case encoding.TextMarshaler:
		rv := reflect.ValueOf(x)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, nil
		}
		text, err := x.MarshalText()
		if err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		return string(text), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			// Out of int64 range, as for JSON numbers and floats.
			return normalizeFloat(float64(u), path)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float(), path)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("map key type %s is not a string", rv.Type().Key())}
		}
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			elem, err := normalize(iter.Value().Interface(), joinPath(path, key))
			if err != nil {
				return nil, err
			}
			m[key] = elem
		}
		return m, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// Byte strings normalize the way encoding/json renders them.
			return viaJSON(v, path)
		}
		s := make([]interface{}, rv.Len())
		for i := range s {
			elem, err := normalize(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			s[i] = elem
		}
		return s, nil
	case reflect.Struct:
		return viaJSON(v, path)
	default:
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("value of type %T cannot be normalized", v)}
	}
}

func viaJSON(v interface{}, path string) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	var u interface{}
	if err := decodeJSON(b, &u); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return normalize(u, path)
}

func normalizeNumber(s, path string) (interface{}, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("invalid number %q", s)}
	}
	return normalizeFloat(f, path)
}

// normalizeFloat maps integral floats that fit in an int64 to int64,
// so that 1, 1.0 and 1e0 are the same value. Larger magnitudes remain
// float64, whichever way they were written.
func normalizeFloat(f float64, path string) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("non-finite number %v", f)}
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
