package sysstat

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/pingsantohq/timelapse/pkg/types"
)

const unavailable = "n/a"

// Sampler reports host resource usage as display strings.
type Sampler interface {
	CPUPercent() string
	MemoryPercent() string
}

// Host samples the local machine through gopsutil.
type Host struct {
	cpuPercent func() ([]float64, error)
	memPercent func() (float64, error)
}

func NewHost() *Host {
	return &Host{
		cpuPercent: func() ([]float64, error) {
			// Zero interval compares against the previous call, so the first
			// sample after start is measured since boot.
			return cpu.Percent(0, false)
		},
		memPercent: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
	}
}

func (h *Host) CPUPercent() string {
	values, err := h.cpuPercent()
	if err != nil || len(values) == 0 {
		return unavailable
	}
	return formatPercent(values[0])
}

func (h *Host) MemoryPercent() string {
	value, err := h.memPercent()
	if err != nil {
		return unavailable
	}
	return formatPercent(value)
}

// Snapshot reads both values from s. A nil sampler yields "n/a" for each.
func Snapshot(s Sampler) types.ResourceSnapshot {
	if s == nil {
		return types.ResourceSnapshot{CPU: unavailable, RAM: unavailable}
	}
	return types.ResourceSnapshot{CPU: s.CPUPercent(), RAM: s.MemoryPercent()}
}

// Static returns fixed values; used where no host metrics are wanted.
type Static struct {
	CPU string
	RAM string
}

func (s Static) CPUPercent() string    { return s.CPU }
func (s Static) MemoryPercent() string { return s.RAM }

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
