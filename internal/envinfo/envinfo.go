// Package envinfo captures a snapshot of the host environment for run
// metadata, so a report records where it was produced.
package envinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot gathers host facts. Probe failures degrade to partial data; a
// report with a thin environment block beats no report.
func Snapshot() map[string]interface{} {
	env := map[string]interface{}{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}

	if info, err := host.Info(); err == nil {
		env["hostname"] = info.Hostname
		env["platform"] = info.Platform
		env["platform_version"] = info.PlatformVersion
		env["kernel_version"] = info.KernelVersion
	}

	if counts, err := cpu.Counts(true); err == nil {
		env["logical_cpus"] = counts
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		env["cpu_model"] = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		env["total_memory_bytes"] = vm.Total
	}

	return env
}
