// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package ctxt

import (
	"testing"

	"github.com/cockroachdb/errors"

	_ "gviegas/rtcore/driver/soft"
)

func TestLoadDriver(t *testing.T) {
	for _, name := range [...]string{"soft", "SOFT", "of", ""} {
		drv, adapters, err := LoadDriver(name)
		if err != nil {
			t.Fatalf("LoadDriver(%q): unexpected error: %v", name, err)
		}
		if drv == nil || len(adapters) == 0 {
			t.Fatalf("LoadDriver(%q): no driver/adapters", name)
		}
	}
	if _, _, err := LoadDriver("no such driver"); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("LoadDriver:\nhave %v\nwant %v", err, ErrNoDriver)
	}
}
