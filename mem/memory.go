package mem

import (
	"os"

	sigar "github.com/cloudfoundry/gosigar"
)

// ResidentMb returns the resident memory of this process in megabytes
// the sink logs this after each flush, so a failure to read it is reported as zero rather than an error
func ResidentMb() float64 {
	mem := sigar.ProcMem{}
	if err := mem.Get(os.Getpid()); err != nil {
		return 0
	}
	return float64(mem.Resident) / (1024 * 1024)
}
