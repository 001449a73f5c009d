// Package archiver runs the single-threaded hot/cold archive cycle: moving
// overflow frames from a device's hot root into hour-bucketed cold
// folders, regenerating HLS manifests for video segments, and sweeping
// expired hour buckets. Grounded on the teacher's internal/diskmanager
// age-retention policy (oldest-first deletion loop, per-step error
// isolation, quit-channel cooperative cancellation) generalized from a
// single audio-clip retention policy to the capture pipeline's four file
// classes.
package archiver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/capturehost/hostpipeline/internal/diskusage"
	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// diskPressureWarnPercent is the used-space threshold at which the
// archiver logs a disk-pressure warning after each cycle.
const diskPressureWarnPercent = 90.0

// Config holds the per-class limits spec.md §4.2 names.
type Config struct {
	HotLimitSegments int
	HotLimitOther    int
	RetentionCaptures time.Duration
	RetentionOther    time.Duration
	HLSTargetDuration int
}

// classes the archiver sweeps every cycle, in the order spec.md lists them.
var classes = []layout.FileClass{
	layout.ClassSegments,
	layout.ClassCaptures,
	layout.ClassThumbnails,
	layout.ClassMetadata,
}

func (c Config) hotLimit(class layout.FileClass) int {
	if class == layout.ClassSegments {
		return c.HotLimitSegments
	}
	return c.HotLimitOther
}

func (c Config) retention(class layout.FileClass) time.Duration {
	if class == layout.ClassCaptures {
		return c.RetentionCaptures
	}
	return c.RetentionOther
}

// classPattern matches the top-level (non-subdirectory) files the hot root
// holds for a class, excluding in-flight .tmp writes.
func classPattern(class layout.FileClass) string {
	switch class {
	case layout.ClassSegments:
		return "segment_*.ts"
	case layout.ClassCaptures:
		return "capture_*.jpg"
	case layout.ClassThumbnails:
		return "capture_*_thumbnail.jpg"
	case layout.ClassMetadata:
		return "capture_*.json"
	default:
		return "*"
	}
}

// DirectoryReport is the per-capture-directory outcome of one cycle.
type DirectoryReport struct {
	CaptureDir      string
	Archived        map[layout.FileClass]int
	ManifestsWritten int
	FoldersCleaned   int
	Errors           []error
}

// CycleReport aggregates every capture directory's report.
type CycleReport struct {
	Directories []DirectoryReport
	StartedAt   time.Time
	Duration    time.Duration
}

var (
	archivedFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_files_archived_total",
		Help: "Total files moved from hot to cold storage, by capture directory and file class.",
	}, []string{"capture_dir", "class"})

	manifestsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_manifests_written_total",
		Help: "Total HLS archive manifests (archive.m3u8) written.",
	}, []string{"capture_dir"})

	foldersCleanedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_folders_cleaned_total",
		Help: "Total expired hour folders recursively removed and recreated empty.",
	}, []string{"capture_dir", "class"})

	cycleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capturehost_archiver_cycle_errors_total",
		Help: "Total per-step errors encountered during an archive cycle (does not abort the cycle).",
	}, []string{"capture_dir", "step"})
)

// Service runs archive cycles on a 5-minute ticker until stopped.
type Service struct {
	cfg     Config
	logger  interface {
		Info(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New creates an archiver service.
func New(cfg Config) *Service {
	return &Service{cfg: cfg, logger: logging.ForService("archiver")}
}

// Run executes RunCycle every 5 minutes against captureDirs until ctx is
// cancelled. captureDirs is re-read on every tick via dirsFn so newly
// attached devices join without a restart.
func (s *Service) Run(ctx context.Context, dirsFn func() []string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	s.runOnce(dirsFn())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("archiver stopping")
			return
		case <-ticker.C:
			s.runOnce(dirsFn())
		}
	}
}

func (s *Service) runOnce(captureDirs []string) {
	report := RunCycle(s.cfg, captureDirs)
	for _, dr := range report.Directories {
		if len(dr.Errors) > 0 {
			s.logger.Error("archive cycle had errors", "dir", dr.CaptureDir, "errors", len(dr.Errors))
		}
	}
	s.logger.Info("archive cycle complete", "directories", len(report.Directories), "duration", report.Duration)
	s.logDiskPressure(captureDirs)
}

// logDiskPressure reports the mount backing each capture directory whenever
// usage clears diskPressureWarnPercent, the same signal the archiver's
// retention sweep exists to relieve.
func (s *Service) logDiskPressure(captureDirs []string) {
	seen := map[string]bool{}
	for _, dir := range captureDirs {
		usage, err := diskusage.StatMount(dir)
		if err != nil {
			continue
		}
		if seen[usage.Path] {
			continue
		}
		seen[usage.Path] = true
		if usage.UsedPercent >= diskPressureWarnPercent {
			s.logger.Error("disk pressure", "mount", usage.Path, "used_percent", usage.UsedPercent, "available_bytes", usage.AvailableBytes)
		}
	}
}

// RunCycle executes one archive cycle over the given capture directories.
func RunCycle(cfg Config, captureDirs []string) CycleReport {
	report := CycleReport{StartedAt: time.Now()}
	for _, dir := range captureDirs {
		report.Directories = append(report.Directories, runDirectory(cfg, dir))
	}
	report.Duration = time.Since(report.StartedAt)
	return report
}

func runDirectory(cfg Config, captureDir string) DirectoryReport {
	dr := DirectoryReport{CaptureDir: captureDir, Archived: map[layout.FileClass]int{}}
	resolver := layout.New(captureDir, true)

	for _, class := range classes {
		n, err := archiveOverflow(resolver, class, cfg.hotLimit(class))
		if err != nil {
			dr.Errors = append(dr.Errors, err)
			cycleErrorsTotal.WithLabelValues(captureDir, "archive_overflow").Inc()
			continue
		}
		dr.Archived[class] = n
		if n > 0 {
			archivedFilesTotal.WithLabelValues(captureDir, string(class)).Add(float64(n))
		}
	}

	written, err := writeManifests(resolver, cfg.HLSTargetDuration)
	if err != nil {
		dr.Errors = append(dr.Errors, err)
		cycleErrorsTotal.WithLabelValues(captureDir, "manifest").Inc()
	} else {
		dr.ManifestsWritten = written
		if written > 0 {
			manifestsWrittenTotal.WithLabelValues(captureDir).Add(float64(written))
		}
	}

	cleaned, err := sweepRetention(resolver, cfg)
	if err != nil {
		dr.Errors = append(dr.Errors, err)
		cycleErrorsTotal.WithLabelValues(captureDir, "retention").Inc()
	} else {
		dr.FoldersCleaned = cleaned
	}

	return dr
}

// archiveOverflow counts top-level files matching class in the hot root;
// if over limit, moves the oldest-mtime excess into <class>/<hour>/name.
func archiveOverflow(resolver *layout.Resolver, class layout.FileClass, limit int) (int, error) {
	hotRoot := resolver.ActivePath(class)
	entries, err := os.ReadDir(hotRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Newf("read hot root %s: %w", hotRoot, err).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}

	pattern := classPattern(class)
	type fileEntry struct {
		name    string
		modTime time.Time
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{name: e.Name(), modTime: info.ModTime()})
	}

	if len(files) <= limit {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	excess := files[:len(files)-limit]

	moved := 0
	for _, f := range excess {
		hour := f.modTime.Hour()
		destDir := filepath.Join(hotRoot, strconv.Itoa(hour))
		if err := os.MkdirAll(destDir, 0o777); err != nil {
			return moved, errors.Newf("create hour folder %s: %w", destDir, err).
				Component("archiver").Category(errors.CategoryArchive).Build()
		}
		src := filepath.Join(hotRoot, f.name)
		dst := filepath.Join(destDir, f.name)
		if err := os.Rename(src, dst); err != nil {
			return moved, errors.Newf("move %s to %s: %w", src, dst, err).
				Component("archiver").Category(errors.CategoryArchive).Build()
		}
		moved++
	}
	return moved, nil
}

// sweepRetention removes expired hour buckets for every class.
func sweepRetention(resolver *layout.Resolver, cfg Config) (int, error) {
	nowHour := time.Now().Hour()
	cleaned := 0
	var firstErr error

	for _, class := range classes {
		root := resolver.ActivePath(class)
		retentionHours := int(cfg.retention(class).Hours())

		for hour := 0; hour < 24; hour++ {
			hoursAgo := layout.HoursAgo(hour, nowHour)
			if hoursAgo < retentionHours {
				continue
			}
			hourDir := filepath.Join(root, strconv.Itoa(hour))
			entries, err := os.ReadDir(hourDir)
			if os.IsNotExist(err) || len(entries) == 0 {
				continue
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := os.RemoveAll(hourDir); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := os.MkdirAll(hourDir, 0o777); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			cleaned++
			foldersCleanedTotal.WithLabelValues(resolver.DeviceRoot, string(class)).Inc()
		}
	}

	if firstErr != nil {
		return cleaned, errors.Newf("retention sweep: %w", firstErr).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}
	return cleaned, nil
}

// segmentIndex extracts the integer N from segment_<N>.ts.
func segmentIndex(name string) (int, bool) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}
