//go:build windows

package diskusage

import (
	"syscall"
	"unsafe"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// statfsBytes returns (total, available) bytes via GetDiskFreeSpaceExW,
// the same Windows API diskmanager.GetDetailedDiskUsage uses.
func statfsBytes(path string) (total, available uint64, err error) {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpaceEx := kernel32.NewProc("GetDiskFreeSpaceExW")

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes int64

	utf16Path, convErr := syscall.UTF16PtrFromString(path)
	if convErr != nil {
		return 0, 0, errors.Newf("diskusage: convert path to UTF16: %w", convErr).
			Component("diskusage").Category(errors.CategoryDiskUsage).Build()
	}

	ret, _, callErr := getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(utf16Path)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalNumberOfBytes)),
		uintptr(unsafe.Pointer(&totalNumberOfFreeBytes)),
	)
	if ret == 0 {
		return 0, 0, errors.Newf("diskusage: GetDiskFreeSpaceEx: %w", callErr).
			Component("diskusage").Category(errors.CategoryDiskUsage).Build()
	}

	return uint64(totalNumberOfBytes), uint64(freeBytesAvailable), nil
}
