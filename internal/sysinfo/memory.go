package sysinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemory reads the memory available on the host.
type HostMemory struct{}

func NewHostMemory() *HostMemory {
	return &HostMemory{}
}

// FreeMemoryMB returns the memory available to new processes without swapping, in MiB.
func (HostMemory) FreeMemoryMB() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read virtual memory stats: %w", err)
	}
	return vm.Available / (1024 * 1024), nil
}

// StaticMemory reports a fixed amount, for reproducible plans across hosts.
type StaticMemory uint64

func (s StaticMemory) FreeMemoryMB() (uint64, error) {
	return uint64(s), nil
}
