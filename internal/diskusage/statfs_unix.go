//go:build linux || darwin

package diskusage

import (
	"syscall"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// statfsBytes returns (total, available) bytes for the filesystem backing
// path, via syscall.Statfs — the same call diskmanager.GetDetailedDiskUsage
// uses, generalized to also report availability (not just used/total).
func statfsBytes(path string) (total, available uint64, err error) {
	var stat syscall.Statfs_t
	if statErr := syscall.Statfs(path, &stat); statErr != nil {
		return 0, 0, errors.Newf("diskusage: statfs %s: %w", path, statErr).
			Component("diskusage").Category(errors.CategoryDiskUsage).Build()
	}
	if stat.Bsize <= 0 {
		return 0, 0, errors.Newf("diskusage: invalid block size %d from filesystem", stat.Bsize).
			Component("diskusage").Category(errors.CategoryDiskUsage).Build()
	}
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}
