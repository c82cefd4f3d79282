// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"testing"
)

func TestDataMap(t *testing.T) {
	var m dataMap[resID, string]
	ids := make([]resID, 0, 100)
	for i := range 100 {
		id := m.insert(string(rune('a' + i%26)))
		if int(id) != i {
			t.Fatalf("dataMap.insert:\nhave %d\nwant %d", id, i)
		}
		ids = append(ids, id)
	}
	if n := m.len(); n != 100 {
		t.Fatalf("dataMap.len:\nhave %d\nwant 100", n)
	}
	if s := m.remove(ids[3]); s != "d" {
		t.Fatalf("dataMap.remove:\nhave %q\nwant \"d\"", s)
	}
	for _, e := range m.entries() {
		if want := string(rune('a' + e.id%26)); e.data != want {
			t.Fatalf("dataMap.entries after remove: ID %d:\nhave %q\nwant %q", e.id, e.data, want)
		}
	}
	if id := m.insert("x"); id != ids[3] {
		t.Fatalf("dataMap.insert: removed ID not reused:\nhave %d\nwant %d", id, ids[3])
	}
	for _, id := range ids {
		m.remove(id)
	}
	if n := m.len(); n != 0 {
		t.Fatalf("dataMap.len:\nhave %d\nwant 0", n)
	}
}
