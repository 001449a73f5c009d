// Package layout resolves hot/cold filesystem paths for a capture device
// (spec.md §4.1). It is a pure resolver: no goroutines, no I/O beyond the
// occasional directory read/copy the spec explicitly asks for.
package layout

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/hostconf"
)

// FileClass identifies one of the sub-trees named in spec.md §3.
type FileClass string

const (
	ClassCaptures     FileClass = "captures"
	ClassThumbnails   FileClass = "thumbnails"
	ClassMetadata     FileClass = "metadata"
	ClassSegments     FileClass = "segments"
	ClassAudio        FileClass = "audio"
	ClassTranscripts  FileClass = "transcripts"
)

// DeviceInfo mirrors get_device_info_from_capture_folder's return shape.
type DeviceInfo struct {
	DeviceID    string
	DeviceName  string
	CapturePath string
	StreamPath  string
}

// Resolver resolves paths for one device root. RAM mode means a hot/
// subtree exists inside DeviceRoot; SD mode means DeviceRoot is used
// directly for both hot and cold files.
type Resolver struct {
	DeviceRoot string
	RAMMode    bool
}

// New builds a Resolver for a capture folder given the device's base path.
func New(deviceRoot string, ramMode bool) *Resolver {
	return &Resolver{DeviceRoot: deviceRoot, RAMMode: ramMode}
}

// classSubdir maps a FileClass to the directory name under hot/ or root.
func classSubdir(c FileClass) string {
	switch c {
	case ClassCaptures:
		return "captures"
	case ClassThumbnails:
		return "captures" // thumbnails live alongside captures
	case ClassMetadata:
		return "metadata"
	case ClassSegments:
		return "segments"
	case ClassAudio:
		return "audio"
	case ClassTranscripts:
		return "transcripts"
	default:
		return string(c)
	}
}

// ActivePath returns the currently-active (hot in RAM mode, cold
// otherwise) directory for the given class.
func (r *Resolver) ActivePath(class FileClass) string {
	if r.RAMMode {
		return filepath.Join(r.DeviceRoot, "hot", classSubdir(class))
	}
	return filepath.Join(r.DeviceRoot, classSubdir(class))
}

// ColdPath always returns the disk-backed path for a class, independent of
// RAM/SD mode — used by the archiver when moving overflow and by every
// consumer of archived (as opposed to live) files.
func (r *Resolver) ColdPath(class FileClass) string {
	return filepath.Join(r.DeviceRoot, classSubdir(class))
}

// DeviceBasePath is the device root itself.
func (r *Resolver) DeviceBasePath() string {
	return r.DeviceRoot
}

// ChunkLocation returns (hour, chunk) for a timestamp per spec.md §3:
// hour is the local-time hour 0..23 and chunk = minute/10, in 0..5.
func ChunkLocation(t time.Time) (hour, chunk int) {
	local := t.Local()
	return local.Hour(), local.Minute() / 10
}

// ThumbnailPathFromCapture derives "capture_<SEQ>_thumbnail.jpg" from
// "capture_<SEQ>.jpg".
func ThumbnailPathFromCapture(capturePath string) string {
	dir := filepath.Dir(capturePath)
	base := filepath.Base(capturePath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, name+"_thumbnail"+ext)
}

// SidecarPathFromCapture derives "capture_<SEQ>.json" from
// "capture_<SEQ>.jpg".
func SidecarPathFromCapture(capturePath string) string {
	ext := filepath.Ext(capturePath)
	return strings.TrimSuffix(capturePath, ext) + ".json"
}

// CopyToColdStorage performs an idempotent copy of src into the cold
// storage tree, creating parent directories as needed. A destination that
// already exists with the same size is treated as already-copied.
func CopyToColdStorage(src, dst string) error {
	if fi, err := os.Stat(dst); err == nil {
		if srcFi, serr := os.Stat(src); serr == nil && fi.Size() == srcFi.Size() {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return errors.Newf("create cold storage dir: %w", err).
			Component("layout").Category(errors.CategoryFileIO).Build()
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Newf("open source for cold copy: %w", err).
			Component("layout").Category(errors.CategoryFileIO).Build()
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Newf("create cold storage file: %w", err).
			Component("layout").Category(errors.CategoryFileIO).Build()
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Newf("copy to cold storage: %w", err).
			Component("layout").Category(errors.CategoryFileIO).Build()
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// CaptureBaseDirectories reads /tmp/active_captures.conf (one absolute
// directory per line, blanks and '#' comments ignored). When the conf file
// is absent or lists no directory, it returns the capture path of every
// configured device (s.Devices); it does not scan the filesystem.
func CaptureBaseDirectories(s *hostconf.Settings) ([]string, error) {
	dirs, err := readActiveCapturesConf(s.Paths.ActiveCapturesConf)
	if err == nil && len(dirs) > 0 {
		return dirs, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	// Filesystem fallback: one directory per discovered device env group.
	var fallback []string
	for _, d := range s.Devices {
		if d.CapturePath != "" {
			fallback = append(fallback, d.CapturePath)
		}
	}
	return fallback, nil
}

func readActiveCapturesConf(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs, scanner.Err()
}

// DeviceInfoFromCaptureFolder maps a capture folder name to its device
// identity via the environment-derived DeviceEnv (spec.md §4.1).
func DeviceInfoFromCaptureFolder(s *hostconf.Settings, captureFolder string) (DeviceInfo, error) {
	d, ok := s.DeviceByCaptureFolder(captureFolder)
	if !ok {
		return DeviceInfo{}, errors.Newf("no device mapping for capture folder %q", captureFolder).
			Component("layout").Category(errors.CategoryConfiguration).Build()
	}
	deviceID := captureFolder
	if d.Name == "host" {
		deviceID = "host"
	}
	return DeviceInfo{
		DeviceID:    deviceID,
		DeviceName:  d.Name,
		CapturePath: d.CapturePath,
		StreamPath:  d.StreamPath,
	}, nil
}

// HoursAgo computes how many hours in the past `hour` was relative to
// `nowHour`, treating clock-future hours as 24 hours back (spec.md §4.2
// retention rule).
func HoursAgo(hour, nowHour int) int {
	diff := nowHour - hour
	if diff < 0 {
		diff += 24
	}
	return diff
}
