package identity

import (
	"math"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// HeapBudget returns the effective heap budget for this process: the Go
// memory limit when one is configured (GOMEMLIMIT or debug.SetMemoryLimit),
// otherwise total system memory. Server-type detection runs on this value.
func HeapBudget(logger *zap.Logger) uint64 {
	// SetMemoryLimit with a negative argument reads the current limit
	// without changing it. MaxInt64 means no limit is configured.
	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to read system memory, assuming MINI budget", zap.Error(err))
		return miniHeapLimit
	}
	return vm.Total
}
