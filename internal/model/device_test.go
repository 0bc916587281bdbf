package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]Device{
		"":      DeviceAuto,
		"auto":  DeviceAuto,
		"CPU":   DeviceCPU,
		" cuda": DeviceCUDA,
	} {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDevice("tpu")
	assert.Error(t, err)
}

func TestParseNVIDIASMILine(t *testing.T) {
	gpu, ok := parseNVIDIASMILine("NVIDIA GeForce RTX 4090, 24564 MiB")
	require.True(t, ok)
	assert.Equal(t, GPU{Vendor: "nvidia", Model: "NVIDIA GeForce RTX 4090", MemoryMB: 24564}, gpu)

	gpu, ok = parseNVIDIASMILine("Tesla T4")
	require.True(t, ok)
	assert.Equal(t, int64(0), gpu.MemoryMB)

	_, ok = parseNVIDIASMILine("   ")
	assert.False(t, ok)
}

func TestCPUThreads(t *testing.T) {
	assert.Greater(t, cpuThreads(), 0)
}
