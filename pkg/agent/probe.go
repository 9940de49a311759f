package agent

import (
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/droverhq/drover/pkg/types"
)

// probeCapabilities completes the advertised capabilities from the host.
// Explicitly configured fields are left alone; a failed probe leaves the
// field unset, which schedulers treat as unconstrained.
func probeCapabilities(caps types.WorkerCapabilities, kotlinBin, workdir string, logger zerolog.Logger) types.WorkerCapabilities {
	if caps.CPUMillis == 0 {
		if cores, err := cpu.Counts(true); err == nil {
			caps.CPUMillis = int64(cores) * 1000
		} else {
			logger.Warn().Err(err).Msg("CPU probe failed")
		}
	}

	if caps.MemoryBytes == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			caps.MemoryBytes = int64(vm.Total)
		} else {
			logger.Warn().Err(err).Msg("Memory probe failed")
		}
	}

	if caps.StorageBytes == 0 {
		path := workdir
		if path == "" {
			path = os.TempDir()
		}
		if du, err := disk.Usage(path); err == nil {
			caps.StorageBytes = int64(du.Free)
		} else {
			logger.Warn().Err(err).Str("path", path).Msg("Storage probe failed")
		}
	}

	if kotlinBin == "" {
		kotlinBin = "kotlin"
	}
	if _, err := exec.LookPath(kotlinBin); err == nil && !lo.Contains(caps.Tools, "kotlin") {
		caps.Tools = append(caps.Tools, "kotlin")
	}

	return caps
}
