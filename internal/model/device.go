package model

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	ort "github.com/yalue/onnxruntime_go"
)

// Device is a compute device policy or the device that was chosen.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice validates a device policy string.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	case "":
		return DeviceAuto, nil
	}
	return "", fmt.Errorf("unknown device %q (want auto, cpu or cuda)", s)
}

// GPU is an accelerator found on the host.
type GPU struct {
	Vendor   string
	Model    string
	MemoryMB int64
}

// detectNVIDIA lists NVIDIA GPUs via nvidia-smi, falling back to the kernel
// driver's proc entry on linux.
func detectNVIDIA() []GPU {
	var gpus []GPU

	cmd := exec.Command("nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader")
	output, err := cmd.Output()
	if err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
			gpu, ok := parseNVIDIASMILine(line)
			if ok {
				gpus = append(gpus, gpu)
			}
		}
		return gpus
	}

	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
			gpus = append(gpus, GPU{Vendor: "nvidia", Model: "unknown"})
		}
	}
	return gpus
}

// parseNVIDIASMILine parses "GPU Name, 8192 MiB".
func parseNVIDIASMILine(line string) (GPU, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return GPU{}, false
	}
	parts := strings.Split(line, ",")
	gpu := GPU{Vendor: "nvidia", Model: strings.TrimSpace(parts[0])}
	if len(parts) >= 2 {
		memStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "MiB"))
		if memMB, err := strconv.ParseInt(memStr, 10, 64); err == nil {
			gpu.MemoryMB = memMB
		}
	}
	return gpu, true
}

// cpuThreads returns the physical core count, or the logical count when
// the host does not report cores.
func cpuThreads() int {
	n, err := cpu.Counts(false)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// newSessionOptions applies the device policy to fresh session options and
// reports the device that was selected.
func newSessionOptions(policy Device, logger *slog.Logger) (*ort.SessionOptions, Device, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}

	if policy == DeviceCUDA || policy == DeviceAuto {
		gpus := detectNVIDIA()
		if policy == DeviceCUDA || len(gpus) > 0 {
			err := appendCUDA(opts)
			if err == nil {
				for _, g := range gpus {
					logger.Info("accelerator found", "vendor", g.Vendor, "model", g.Model, "memory_mb", g.MemoryMB)
				}
				return opts, DeviceCUDA, nil
			}
			if policy == DeviceCUDA {
				opts.Destroy()
				return nil, "", fmt.Errorf("failed to enable CUDA execution provider: %w", err)
			}
			logger.Warn("CUDA unavailable, using CPU", "error", err)
		}
	}

	threads := cpuThreads()
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		opts.Destroy()
		return nil, "", fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	logger.Info("using CPU", "threads", threads)
	return opts, DeviceCPU, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}
