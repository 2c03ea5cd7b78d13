// Package device resolves the execution target named in the configuration.
package device

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// CPU is the only supported execution target.
const CPU = "cpu"

// Device is a resolved execution target.
type Device struct {
	Name  string
	Brand string
	Cores int
	AVX2  bool
}

// Resolve returns the target for name. An empty name means CPU.
func Resolve(name string) (Device, error) {
	switch name {
	case "", CPU:
		return Device{
			Name:  CPU,
			Brand: cpuid.CPU.BrandName,
			Cores: cpuid.CPU.PhysicalCores,
			AVX2:  cpuid.CPU.Supports(cpuid.AVX2),
		}, nil
	default:
		return Device{}, fmt.Errorf("device: unsupported target %q (only %q)", name, CPU)
	}
}

func (d Device) String() string {
	brand := d.Brand
	if brand == "" {
		brand = "unknown"
	}
	return fmt.Sprintf("%s brand=%q cores=%d avx2=%t", d.Name, brand, d.Cores, d.AVX2)
}
