package analysis

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceGuard refuses to start an analysis when the host is short on disk
// or memory. Failures reading free resources are logged and do not block the run.
type ResourceGuard struct {
	path        string
	minFreeDisk uint64
	minFreeMem  uint64

	diskFree func(path string) (uint64, error)
	memFree  func() (uint64, error)
}

func NewResourceGuard(path string, minFreeDisk, minFreeMem uint64) *ResourceGuard {
	return &ResourceGuard{
		path:        path,
		minFreeDisk: minFreeDisk,
		minFreeMem:  minFreeMem,
		diskFree: func(path string) (uint64, error) {
			u, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return u.Free, nil
		},
		memFree: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

func (g *ResourceGuard) Check() error {
	logger := zap.S().Named("resource_guard")

	if g.minFreeMem > 0 {
		free, err := g.memFree()
		if err != nil {
			logger.Warnw("could not read memory usage", "error", err)
		} else if free < g.minFreeMem {
			return &InsufficientResourcesError{Resource: "memory", Available: free, Required: g.minFreeMem}
		}
	}

	if g.minFreeDisk > 0 {
		free, err := g.diskFree(g.path)
		if err != nil {
			logger.Warnw("could not read disk usage", "path", g.path, "error", err)
		} else if free < g.minFreeDisk {
			return &InsufficientResourcesError{Resource: "disk", Available: free, Required: g.minFreeDisk}
		}
	}
	return nil
}
