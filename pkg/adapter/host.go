package adapter

import (
	"context"
	"runtime"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/procfs"
)

// HostMemory holds memory figures of the running process and the machine in
// bytes
type HostMemory struct {
	ProcessRSS      uint64
	ProcessVMS      uint64
	SystemTotal     uint64
	SystemAvailable uint64
}

// Host reads process and machine figures
type Host interface {
	Memory(ctx context.Context) (*HostMemory, error)
	// Load is the one minute load average divided by the CPU count, capped at 1
	Load(ctx context.Context) (float64, error)
}

type procHost struct {
	fs   procfs.FS
	cpus int
}

// NewHost reads from /proc. It fails on systems without procfs.
func NewHost() (Host, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open procfs")
	}
	return &procHost{fs: fs, cpus: runtime.NumCPU()}, nil
}

func (h *procHost) Memory(ctx context.Context) (*HostMemory, error) {
	self, err := h.fs.Self()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open process stats")
	}
	stat, err := self.Stat()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read process stats")
	}

	info, err := h.fs.Meminfo()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read meminfo")
	}

	mem := &HostMemory{
		ProcessRSS: uint64(stat.ResidentMemory()),
		ProcessVMS: uint64(stat.VirtualMemory()),
	}
	// meminfo reports kB
	if info.MemTotal != nil {
		mem.SystemTotal = *info.MemTotal * 1024
	}
	if info.MemAvailable != nil {
		mem.SystemAvailable = *info.MemAvailable * 1024
	}
	return mem, nil
}

func (h *procHost) Load(ctx context.Context) (float64, error) {
	avg, err := h.fs.LoadAvg()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read load average")
	}
	return min(1, avg.Load1/float64(max(1, h.cpus))), nil
}
