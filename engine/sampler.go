// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"gviegas/rtcore/driver"
)

// SamplerSpec describes a sampler.
type SamplerSpec struct {
	Min      driver.Filter
	Mag      driver.Filter
	Mipmap   driver.Filter
	AddrU    driver.AddrMode
	AddrV    driver.AddrMode
	AddrW    driver.AddrMode
	MaxAniso int
	Border   driver.BorderColor
}

// DefaultSamplerSpec returns a linear, repeating sampler
// without anisotropic filtering.
func DefaultSamplerSpec() SamplerSpec {
	return SamplerSpec{
		Min:      driver.FLinear,
		Mag:      driver.FLinear,
		Mipmap:   driver.FNoMipmap,
		AddrU:    driver.AWrap,
		AddrV:    driver.AWrap,
		AddrW:    driver.AWrap,
		MaxAniso: 1,
		Border:   driver.BOpaqueBlack,
	}
}

// NewSampler creates a new driver.Sampler.
// A nil spec means DefaultSamplerSpec().
func NewSampler(d *Device, spec *SamplerSpec) (driver.Sampler, error) {
	s := DefaultSamplerSpec()
	if spec != nil {
		s = *spec
	}
	splr, err := d.gpu.NewSampler(&driver.Sampling{
		Min:      s.Min,
		Mag:      s.Mag,
		Mipmap:   s.Mipmap,
		AddrU:    s.AddrU,
		AddrV:    s.AddrV,
		AddrW:    s.AddrW,
		MaxAniso: max(s.MaxAniso, 1),
		Border:   s.Border,
	})
	if err != nil {
		return nil, deviceError("NewSampler", AnyQueue, err)
	}
	return splr, nil
}
