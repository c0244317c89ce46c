// Package cpuspec inspects the host CPU to pick inference thread counts and
// resolve the "auto" device.
package cpuspec

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec describes the host CPU.
type CPUSpec struct {
	BrandName        string
	LogicalCores     int
	PhysicalCores    int
	PerformanceCores int  // 0 when the CPU is not a known hybrid part
	SIMD             bool // AVX2 on x86, ASIMD on arm64
}

// GetCPUSpec reads the current CPU.
func GetCPUSpec() CPUSpec {
	return CPUSpec{
		BrandName:        cpuid.CPU.BrandName,
		LogicalCores:     cpuid.CPU.LogicalCores,
		PhysicalCores:    cpuid.CPU.PhysicalCores,
		PerformanceCores: determinePerformanceCores(cpuid.CPU.BrandName),
		SIMD:             cpuid.CPU.Supports(cpuid.AVX2) || cpuid.CPU.Supports(cpuid.ASIMD),
	}
}

// GetOptimalThreadCount returns the number of interpreter threads to use.
// Hybrid CPUs use their performance cores only; VMs are capped at NumCPU.
func (c CPUSpec) GetOptimalThreadCount() int {
	available := runtime.NumCPU()

	threads := c.LogicalCores
	if c.PerformanceCores > 0 {
		threads = c.PerformanceCores
	}
	if threads <= 0 || threads > available {
		threads = available
	}
	return threads
}

// ThreadsFor returns requested when positive, otherwise the optimal count
// split across workers concurrent interpreters.
func (c CPUSpec) ThreadsFor(requested, workers int) int {
	if requested > 0 {
		return requested
	}
	workers = max(1, workers)
	return max(1, c.GetOptimalThreadCount()/workers)
}

// ResolveDevice maps "auto" to "xnnpack" on CPUs with SIMD support and to
// "cpu" otherwise. Other values are returned unchanged.
func (c CPUSpec) ResolveDevice(device string) string {
	if device != "auto" {
		return device
	}
	if c.SIMD {
		return "xnnpack"
	}
	return "cpu"
}

var (
	intelCoreRegex  = regexp.MustCompile(`intel.*core.*i[3579]-(1[234]\d)\d\d`)
	intelUltraRegex = regexp.MustCompile(`intel.*core.*ultra\s+([579])\s+(?:processor\s+)?(\d{3})`)
	appleRegex      = regexp.MustCompile(`apple\s+(m[1-4])(?:\s+(pro|max|ultra))?`)
)

// P-cores by Intel model family prefix (first three digits of the model)
// and tier digit. Gen 12-14 parts share the layout per tier.
var intelTierPCores = map[byte]int{'9': 8, '7': 8, '6': 6, '5': 6, '4': 6, '1': 4}

var intelUltraPCores = map[string]int{
	"285": 8, "265": 8, "255": 8, "245": 6, "235": 6, "225": 4,
}

var applePCores = map[string]int{
	"m1": 4, "m1 pro": 8, "m1 max": 8, "m1 ultra": 16,
	"m2": 4, "m2 pro": 8, "m2 max": 12, "m2 ultra": 24,
	"m3": 4, "m3 pro": 6, "m3 max": 12, "m3 ultra": 24,
	"m4": 4, "m4 pro": 10, "m4 max": 12,
}

func determinePerformanceCores(brandName string) int {
	brand := strings.ToLower(brandName)

	if m := intelUltraRegex.FindStringSubmatch(brand); m != nil {
		return intelUltraPCores[m[2]]
	}

	if m := intelCoreRegex.FindStringSubmatch(brand); m != nil {
		// model digits follow the generation, e.g. 13700 -> tier '7'
		idx := strings.Index(brand, m[1])
		if idx >= 0 && idx+2 < len(brand) {
			return intelTierPCores[brand[idx+2]]
		}
		return 0
	}

	if m := appleRegex.FindStringSubmatch(brand); m != nil {
		chip := m[1]
		if m[2] != "" {
			chip += " " + m[2]
		}
		return applePCores[chip]
	}

	return 0
}
