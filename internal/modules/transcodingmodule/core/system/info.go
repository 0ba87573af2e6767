// Package system reports host resources that gate heavy conversions: free
// memory and the thread count handed to the encoder.
package system

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

const bytesPerMB = 1024 * 1024

// DefaultMemoryFloorMB is the free memory required before a video re-encode.
const DefaultMemoryFloorMB = 2048

// MaxThreads caps the encoder thread count.
const MaxThreads = 8

// MemoryReader returns the currently available memory in bytes.
type MemoryReader interface {
	AvailableBytes(ctx context.Context) (uint64, error)
}

// HostMemory reads available memory from the host.
type HostMemory struct{}

// AvailableBytes implements MemoryReader.
func (HostMemory) AvailableBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// StaticMemory always reports the same amount. Used by tests and when
// memory checks are disabled.
type StaticMemory uint64

// AvailableBytes implements MemoryReader.
func (s StaticMemory) AvailableBytes(context.Context) (uint64, error) {
	return uint64(s), nil
}

// CheckFloor returns InsufficientMemory when less than floorMB is
// available. A reader error is not treated as a shortage.
func CheckFloor(ctx context.Context, reader MemoryReader, floorMB uint64) error {
	if reader == nil || floorMB == 0 {
		return nil
	}
	avail, err := reader.AvailableBytes(ctx)
	if err != nil {
		return nil
	}
	if availMB := avail / bytesPerMB; availMB < floorMB {
		return terrors.InsufficientMemory("memory_check", availMB, floorMB)
	}
	return nil
}

// ThreadCount returns min(logical CPUs, limit). limit <= 0 means MaxThreads.
func ThreadCount(ctx context.Context, limit int) int {
	if limit <= 0 {
		limit = MaxThreads
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	if n > limit {
		n = limit
	}
	return n
}
