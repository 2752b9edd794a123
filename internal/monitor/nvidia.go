package monitor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"lipsync-service/internal/inference"
)

// NvidiaSMI queries the first GPU with nvidia-smi. Hosts without the tool
// report CPU.
type NvidiaSMI struct {
	Path string
}

func (n NvidiaSMI) Health(ctx context.Context) (inference.DeviceInfo, error) {
	bin := n.Path
	if bin == "" {
		bin = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, bin,
		"--query-gpu=name,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return inference.DeviceInfo{Device: "CPU"}, nil
		}
		return inference.DeviceInfo{Device: "CPU"}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(string(out))
}

// parseSMI reads the first "name, used, total" line.
func parseSMI(out string) (inference.DeviceInfo, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return inference.DeviceInfo{Device: "CPU"}, fmt.Errorf("nvidia-smi: unexpected output %q", line)
	}
	used, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return inference.DeviceInfo{Device: "CPU"}, fmt.Errorf("nvidia-smi: memory.used: %w", err)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return inference.DeviceInfo{Device: "CPU"}, fmt.Errorf("nvidia-smi: memory.total: %w", err)
	}
	return inference.DeviceInfo{
		CUDAAvailable: true,
		Device:        strings.TrimSpace(fields[0]),
		MemoryUsedMB:  used,
		MemoryTotalMB: total,
	}, nil
}
