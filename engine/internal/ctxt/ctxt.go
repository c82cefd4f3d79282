// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package ctxt locates the GPU driver used in the engine.
package ctxt

import (
	"strings"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// ErrNoDriver means that no registered driver matched
// the requested name.
var ErrNoDriver = errors.New("ctxt: driver not found")

// LoadDriver returns the first registered driver whose
// name contains the name string and which has at least
// one adapter. It is case insensitive.
// If name is the empty string, then all registered
// drivers are considered.
// It returns the driver's adapters along with it.
func LoadDriver(name string) (driver.Driver, []driver.Adapter, error) {
	drivers := driver.Drivers()
	err := ErrNoDriver
	name = strings.ToLower(name)
	for i := range drivers {
		if !strings.Contains(strings.ToLower(drivers[i].Name()), name) {
			continue
		}
		var adapters []driver.Adapter
		if adapters, err = drivers[i].Adapters(); err != nil {
			continue
		}
		if len(adapters) == 0 {
			err = errors.Wrapf(driver.ErrNoDevice, "ctxt: driver %q has no adapters", drivers[i].Name())
			continue
		}
		return drivers[i], adapters, nil
	}
	return nil, nil, err
}
