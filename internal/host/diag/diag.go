// Package diag reports host-side diagnostics ("fwupdctl doctor") useful
// when a flash attempt fails for reasons outside the protocol itself —
// missing permissions, a busy USB bus, load on the host. Adapted from the
// teacher's diagnostic panel (internal/cli/ui/ui.go's psutil.* usage).
package diag

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jinglewu/fwupd/internal/transport/hid"
)

// Report is a snapshot of host conditions relevant to a flash attempt.
type Report struct {
	HostID       string
	Platform     string
	CPUPercent   float64
	MemUsedPct   float64
	HIDReachable bool
}

// Collect gathers a diagnostics snapshot, probing for the configured HID
// device without claiming it.
func Collect(vid, pid uint16) (Report, error) {
	info, err := host.Info()
	if err != nil {
		return Report{}, fmt.Errorf("host info: %w", err)
	}

	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		return Report{}, fmt.Errorf("cpu percent: %w", err)
	}
	var cp float64
	if len(cpuPct) > 0 {
		cp = cpuPct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Report{}, fmt.Errorf("virtual memory: %w", err)
	}

	return Report{
		HostID:       info.HostID,
		Platform:     info.Platform,
		CPUPercent:   cp,
		MemUsedPct:   vm.UsedPercent,
		HIDReachable: hid.IsAvailable(vid, pid),
	}, nil
}

// String renders the report as the multi-line text fwupdctl doctor prints.
func (r Report) String() string {
	return fmt.Sprintf(
		"host: %s (%s)\ncpu: %.1f%%  mem: %.1f%%\nhid device reachable: %v\n",
		r.HostID, r.Platform, r.CPUPercent, r.MemUsedPct, r.HIDReachable,
	)
}
