// Package diskusage reports per-mount free/used bytes and per-class
// capture directory sizes (spec.md §4.8's EXPANSION, supplemented from
// backend_host/src/services/disk_usage_service.py which the distillation
// dropped). Consumed by internal/archiver (to log disk pressure) and the
// host registry's system_stats ping payload.
//
// Grounded on the teacher's internal/diskmanager (GetDetailedDiskUsage's
// syscall.Statfs idiom) for the filesystem-level numbers, generalized from
// "does a single data directory need cleanup" to "report per-mount and
// per-class usage for the registry's ping payload".
package diskusage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/capturehost/hostpipeline/internal/layout"
)

// MountUsage is the total/used/available bytes for the filesystem backing
// a path, mirroring diskmanager.DiskSpaceInfo plus availability.
type MountUsage struct {
	Path           string
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
	UsedPercent    float64
}

// ClassUsage is the file count and total size of one layout.FileClass
// sub-tree for one device.
type ClassUsage struct {
	Class     layout.FileClass
	FileCount int
	TotalBytes int64
}

// StatMount reports total/used/available bytes for the filesystem backing
// path, via the platform-specific statfsBytes implementation.
func StatMount(path string) (MountUsage, error) {
	total, available, err := statfsBytes(path)
	if err != nil {
		return MountUsage{}, err
	}
	used := total - available
	usage := MountUsage{
		Path:           path,
		TotalBytes:     total,
		UsedBytes:      used,
		AvailableBytes: available,
	}
	if total > 0 {
		usage.UsedPercent = float64(used) / float64(total) * 100.0
	}
	return usage, nil
}

// ClassSize walks every file (not directory) under the class's
// cold-storage path, recursing into subdirectories (hour buckets), and
// sums their size — the same "sum every file" approach as the original
// calculate_directory_size, chosen over `du` for consistency with the
// archiver's own file-by-file bookkeeping.
func ClassSize(resolver *layout.Resolver, class layout.FileClass) (ClassUsage, error) {
	root := resolver.ColdPath(class)
	usage := ClassUsage{Class: class}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		usage.FileCount++
		usage.TotalBytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return ClassUsage{}, err
	}
	return usage, nil
}

// StaleFileCheck reports whether any file under root is older than
// maxAge, the cleanup-health signal from the original's
// analyze_cleanup_health: a non-empty retention sweep should never leave
// files past their retention window, so finding one indicates the
// archiver's retention pass is falling behind.
type StaleFileCheck struct {
	Root        string
	StaleCount  int
	OldestAge   time.Duration
}

// CheckStale scans root (non-recursive — one class directory at a time,
// mirroring the archiver's own per-hour-bucket sweep) for files whose
// mtime is older than maxAge relative to now.
func CheckStale(root string, maxAge time.Duration, now time.Time) (StaleFileCheck, error) {
	check := StaleFileCheck{Root: root}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return check, nil
		}
		return StaleFileCheck{}, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age > maxAge {
			check.StaleCount++
			if age > check.OldestAge {
				check.OldestAge = age
			}
		}
	}
	return check, nil
}
