package app

import (
	"strconv"
	"strings"

	"github.com/provigil/proctor/internal/domain"
)

// GPU renderer strings that betray a virtualized environment.
var vmIndicators = []string{
	"virtualbox",
	"vmware",
	"qemu",
	"vbox",
	"parallels",
	"xen",
	"microsoft basic render",
}

// DetectVM classifies the telemetry as virtualized when the GPU
// descriptor carries a known hypervisor keyword, or the machine reports
// at most 2 logical processors, or at most 2 GB of RAM. The verdict is
// attached to the snapshot before it is persisted.
func DetectVM(info *domain.DeviceInfo) bool {
	gpu := strings.ToLower(info.GPU)
	flagged := false
	for _, kw := range vmIndicators {
		if strings.Contains(gpu, kw) {
			flagged = true
			break
		}
	}

	// An unparseable RAM size reads as zero and therefore flags.
	memoryGB, err := strconv.ParseFloat(strings.TrimSpace(info.RAMSize), 64)
	if err != nil {
		memoryGB = 0
	}

	info.IsVM = flagged || info.CPUNumOfProcessors <= 2 || memoryGB <= 2
	return info.IsVM
}
