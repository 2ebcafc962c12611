// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int(Submitted)
		_ = coll.Int(Failed)
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(3)
	coll.Int(Submitted).Add(2)
	if got, want := x.Get(), int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	all.Add(coll.Snapshot())
	all.Add(coll.Snapshot())
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all[Submitted], int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "submitted:10"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	m.Int(Retried).Add(1)
	if got, want := m.Int(Retried).Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
