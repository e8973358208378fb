// Package resources reads host memory and load for think preconditions
// and context assembly.
package resources

import (
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/drover-sh/drover/pkg/models"
)

// Snapshot returns the current host vitals. Fields stay zero when a probe
// fails; callers treat zero totals as "unknown".
func Snapshot() models.ResourceSnapshot {
	var snap models.ResourceSnapshot
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.FreeMemoryMB = int(vm.Available / 1024 / 1024)
		snap.TotalMemoryMB = int(vm.Total / 1024 / 1024)
	}
	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
	}
	return snap
}

// FreeMemoryMB returns available memory in MB, or -1 when unreadable so
// callers can fail open on hosts without meminfo.
func FreeMemoryMB() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return -1
	}
	return int(vm.Available / 1024 / 1024)
}
