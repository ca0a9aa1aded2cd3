package simd

import (
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// CPUFeatures contains detected CPU SIMD capabilities
type CPUFeatures struct {
	Vendor  string
	HasAVX2 bool
	HasFMA  bool
	HasNEON bool
}

var (
	detectOnce sync.Once
	features   CPUFeatures
)

func detectCPU() {
	features = CPUFeatures{
		Vendor:  cpuid.CPU.VendorString,
		HasAVX2: cpuid.CPU.Supports(cpuid.AVX2),
		HasFMA:  cpuid.CPU.Supports(cpuid.FMA3),
		HasNEON: cpuid.CPU.Supports(cpuid.ASIMD),
	}
}

// GetCPUFeatures returns the detected CPU capabilities
func GetCPUFeatures() CPUFeatures {
	detectOnce.Do(detectCPU)
	return features
}

// Implementation names the kernel path the float32 kernels take on this
// CPU: "avx2" needs AVX2 and FMA, "neon" needs ASIMD, otherwise "generic".
func Implementation() string {
	return implementationFor(GetCPUFeatures())
}

func implementationFor(f CPUFeatures) string {
	switch {
	case f.HasAVX2 && f.HasFMA:
		return "avx2"
	case f.HasNEON:
		return "neon"
	default:
		return "generic"
	}
}
