// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver_test

import (
	"testing"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/driver/soft"
)

func TestDrivers(t *testing.T) {
	drivers := driver.Drivers()
	for i := range drivers {
		name := drivers[i].Name()
		for j := range i {
			if name == drivers[j].Name() {
				t.Error("driver.Drivers: Driver.Name is not unique")
			}
		}
	}
	drivers2 := driver.Drivers()
	if len(drivers) != len(drivers2) {
		t.Error("driver.Drivers: length mismatch")
	} else {
		for i := range drivers {
			if drivers[i].Name() != drivers2[i].Name() {
				t.Error("driver.Drivers: Driver.Name mismatch")
			}
		}
	}
}

func TestRegister(t *testing.T) {
	n := len(driver.Drivers())
	drv := soft.New(soft.DefaultAdapters()...)
	driver.Register(drv)
	if m := len(driver.Drivers()); m != n {
		t.Fatalf("driver.Register: replacing a driver changed the count:\nhave %d\nwant %d", m, n)
	}
	var found bool
	for _, d := range driver.Drivers() {
		if d == driver.Driver(drv) {
			found = true
		}
	}
	if !found {
		t.Fatal("driver.Register: driver not replaced")
	}
}

func TestDriverName(t *testing.T) {
	drv := soft.New(soft.DefaultAdapters()...)
	name := drv.Name()
	if name == "" {
		t.Error("Driver.Name: name is empty")
	}
	if _, err := drv.Adapters(); err != nil {
		t.Fatalf("Driver.Adapters: %v", err)
	}
	drv.Close()
	if drv.Name() != name {
		t.Error("Driver.Name: unexpected name after call to Close")
	}
}

func TestHasExtension(t *testing.T) {
	info := driver.AdapterInfo{Extensions: []string{driver.ExtTimeline, driver.ExtAccelStruct}}
	for _, x := range [...]struct {
		ext  string
		want bool
	}{
		{driver.ExtTimeline, true},
		{driver.ExtAccelStruct, true},
		{driver.ExtRayTracing, false},
		{"", false},
	} {
		if have := info.HasExtension(x.ext); have != x.want {
			t.Errorf("AdapterInfo.HasExtension(%q):\nhave %t\nwant %t", x.ext, have, x.want)
		}
	}
}
