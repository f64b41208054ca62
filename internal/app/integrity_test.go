package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/provigil/proctor/internal/domain"
)

func cleanDevice() domain.DeviceInfo {
	return domain.DeviceInfo{
		GPU:                "NVIDIA GeForce RTX 3060",
		CPUNumOfProcessors: 8,
		RAMSize:            "16",
	}
}

func TestDetectVMCleanMachine(t *testing.T) {
	info := cleanDevice()
	assert.False(t, DetectVM(&info))
	assert.False(t, info.IsVM)
}

func TestDetectVMGPUKeyword(t *testing.T) {
	for _, gpu := range []string{
		"VMware SVGA II Adapter",
		"VirtualBox Graphics",
		"qemu stdvga",
		"Microsoft Basic Render Driver",
		"PARALLELS Display Adapter",
	} {
		info := cleanDevice()
		info.GPU = gpu
		assert.True(t, DetectVM(&info), "gpu %q should flag", gpu)
		assert.True(t, info.IsVM)
	}
}

func TestDetectVMLowResources(t *testing.T) {
	info := cleanDevice()
	info.CPUNumOfProcessors = 2
	assert.True(t, DetectVM(&info))

	info = cleanDevice()
	info.RAMSize = "2"
	assert.True(t, DetectVM(&info))
}

func TestDetectVMUnparseableRAM(t *testing.T) {
	info := cleanDevice()
	info.RAMSize = "lots"
	assert.True(t, DetectVM(&info))
}

// A machine that already trips one indicator can never be un-flagged by
// a worse reading on another.
func TestDetectVMMonotone(t *testing.T) {
	info := cleanDevice()
	info.GPU = "vmware svga"
	assert.True(t, DetectVM(&info))

	info.CPUNumOfProcessors = 1
	assert.True(t, DetectVM(&info))

	info.RAMSize = "1"
	assert.True(t, DetectVM(&info))
}
