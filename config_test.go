// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNormalizeConfigEquivalence(t *testing.T) {
	type inner struct {
		Path  string  `json:"path"`
		Ratio float64 `json:"ratio"`
	}
	configs := []interface{}{
		map[string]interface{}{
			"threshold": 1.0,
			"count":     uint8(3),
			"names":     []string{"a", "b"},
			"inner":     map[string]interface{}{"path": "/x", "ratio": 0.5},
		},
		map[string]interface{}{
			"inner":     inner{Path: "/x", Ratio: 0.5},
			"names":     []interface{}{"a", "b"},
			"count":     json.Number("3"),
			"threshold": json.Number("1e0"),
		},
		map[string]interface{}{
			"names":     [2]string{"a", "b"},
			"threshold": int64(1),
			"count":     3.0,
			"inner":     &inner{Path: "/x", Ratio: 0.5},
		},
	}
	var want string
	for i, c := range configs {
		norm, err := NormalizeConfig(c)
		if err != nil {
			t.Fatalf("config %d: %v", i, err)
		}
		if i == 0 {
			want = norm.String()
			continue
		}
		if got := norm.String(); got != want {
			t.Errorf("config %d: got %s, want %s", i, got, want)
		}
	}
	if got, want := want, `{"count":3,"inner":{"path":"/x","ratio":0.5},"names":["a","b"],"threshold":1}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalizeConfigIdempotent(t *testing.T) {
	c, err := NormalizeConfig(map[string]interface{}{
		"a": []interface{}{1, 2.5, "x", nil, true},
		"b": map[string]int{"z": 1, "y": 2},
		"d": 90 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err := NormalizeConfig(map[string]interface{}(c))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := again.String(), c.String(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	var decoded Config
	if err := json.Unmarshal(c.Canonical(), &decoded); err != nil {
		t.Fatal(err)
	}
	if got, want := decoded.String(), c.String(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestNormalizeConfigLargeNumbers(t *testing.T) {
	for _, big := range []struct {
		configs []interface{}
		want    string
	}{
		{
			[]interface{}{uint64(math.MaxUint64), float64(math.MaxUint64), json.Number("18446744073709551615"), json.Number("1.8446744073709551615e19")},
			`{"n":18446744073709552000}`,
		},
		{
			[]interface{}{uint64(1 << 63), float64(1 << 63), json.Number("9223372036854775808")},
			`{"n":9223372036854776000}`,
		},
		{
			[]interface{}{uint64(math.MaxInt64 - 1), int64(math.MaxInt64 - 1), json.Number("9223372036854775806")},
			`{"n":9223372036854775806}`,
		},
	} {
		for _, n := range big.configs {
			c, err := NormalizeConfig(map[string]interface{}{"n": n})
			if err != nil {
				t.Errorf("%T(%v): %v", n, n, err)
				continue
			}
			if got, want := c.String(), big.want; got != want {
				t.Errorf("%T(%v): got %s, want %s", n, n, got, want)
			}
		}
	}
}

func TestNormalizeConfigErrors(t *testing.T) {
	for _, c := range []struct {
		config interface{}
		path   string
	}{
		{map[string]interface{}{"f": func() {}}, "f"},
		{map[string]interface{}{"c": make(chan int)}, "c"},
		{map[string]interface{}{"x": map[string]interface{}{"nan": math.NaN()}}, "x.nan"},
		{map[string]interface{}{"list": []interface{}{1, math.Inf(1)}}, "list[1]"},
		{map[string]interface{}{"m": map[int]string{1: "a"}}, "m"},
		{map[string]interface{}{"z": complex(1, 2)}, "z"},
		{[]int{1, 2}, ""},
	} {
		_, err := NormalizeConfig(c.config)
		if err == nil {
			t.Errorf("%v: expected error", c.config)
			continue
		}
		e, ok := err.(*ConfigError)
		if !ok {
			t.Errorf("%v: got %T, want *ConfigError", c.config, err)
			continue
		}
		if got, want := e.Path, c.path; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestConfigDecode(t *testing.T) {
	c, err := NormalizeConfig(map[string]interface{}{"path": "s3://bucket/x", "n": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	var v struct {
		Path string
		N    int
	}
	if err := c.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if got, want := v.Path, "s3://bucket/x"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := v.N, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
