package addrcache

import (
	"math"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/mem"
)

// MemoryStats is the heap/system view reported by the memory-status
// endpoint and consulted by the memory-pressure shrink rule.
type MemoryStats struct {
	UsedMB      uint64  `json:"usedMemoryMB"`
	FreeMB      uint64  `json:"freeMemoryMB"`
	MaxMB       uint64  `json:"maxMemoryMB"`
	UsedPercent float64 `json:"memoryUsagePercent"`
}

const mb = 1024 * 1024

// ReadMemoryStats reports heap use against GOMEMLIMIT when one is set.
// Without a limit there is no heap ceiling to measure against, so the
// system memory view stands in.
func ReadMemoryStats() MemoryStats {
	if limit := memoryLimit(); limit > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		used := ms.HeapAlloc
		free := uint64(0)
		if uint64(limit) > used {
			free = uint64(limit) - used
		}
		return MemoryStats{
			UsedMB:      used / mb,
			FreeMB:      free / mb,
			MaxMB:       uint64(limit) / mb,
			UsedPercent: float64(used) / float64(limit) * 100,
		}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryStats{}
	}
	return MemoryStats{
		UsedMB:      vm.Used / mb,
		FreeMB:      vm.Available / mb,
		MaxMB:       vm.Total / mb,
		UsedPercent: vm.UsedPercent,
	}
}

// MemoryUsedPercent is the default memory probe wired into the cache.
func MemoryUsedPercent() float64 {
	return ReadMemoryStats().UsedPercent
}

// memoryLimit returns the effective GOMEMLIMIT, or 0 when unlimited.
func memoryLimit() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		return 0
	}
	return limit
}
