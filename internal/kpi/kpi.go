// Package kpi implements the KPI measurement executor of spec.md §4.5: a
// single-worker service draining /tmp/kpi_queue/*.json, scanning the
// capture window each request names, running a per-device verification
// executor against candidate frames, and recording how long the pipeline
// took to exhibit the expected change.
//
// Grounded on the teacher's internal/analysis job-queue shape (bounded
// channel, single consumer goroutine, idle heartbeat) in
// internal/analysis/processor.go, generalized from "bird detection jobs"
// to "KPI measurement requests" using the module's own internal/queue.FIFO.
package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/capturehost/hostpipeline/internal/dbstore"
	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/queue"
)

// QueueCapacity is the bounded depth of pending KPI requests (spec.md §4.5).
const QueueCapacity = 100

// IdleHeartbeat is how often the worker logs a liveness line while the
// queue is empty.
const IdleHeartbeat = 120 * time.Second

// EarlyProbeOffset is how far into the scan window the "early probe"
// candidate is checked before falling back to the full backward scan.
const EarlyProbeOffset = 200 * time.Millisecond

// MaxVerifyTimeout is the length of the scan window after the action when
// no verification timestamp or long wait is available, and the furthest
// the window reaches back from a verification timestamp.
const MaxVerifyTimeout = 30 * time.Second

// Algorithm labels record which search path produced the match, carried
// into the report and the DB row.
const (
	AlgorithmQuickCheckEarly    = "quick_check_early"
	AlgorithmBackwardScanStep2  = "backward_scan_step2"
	AlgorithmExhaustiveFailed   = "exhaustive_search_failed"
)

// VerificationSpec is one kpi_reference entry: an opaque check the
// per-device executor collaborator knows how to run against a frame.
// Timeout is forced to zero by the search algorithm (spec.md §4.5 step 4)
// so every frame is judged in isolation.
type VerificationSpec struct {
	Type    string         `json:"type"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout time.Duration  `json:"timeout"`
}

// Request is the parsed contents of one kpi_request_*.json file.
type Request struct {
	ExecutionResultID    string              `json:"execution_result_id"`
	TeamID               string              `json:"team_id"`
	DeviceID             string              `json:"device_id"`
	UserInterfaceName    string              `json:"userinterface_name"`
	ImageSourceURL       string              `json:"image_source_url"`
	CaptureFolder        string              `json:"capture_folder"`
	RAMMode              bool                `json:"ram_mode"`
	ActionTimestamp      time.Time           `json:"action_timestamp"`
	VerificationTimestamp *time.Time         `json:"verification_timestamp,omitempty"`
	LastActionWaitMs     *int64              `json:"last_action_wait_ms,omitempty"`
	KPITimestamp         *time.Time          `json:"kpi_timestamp,omitempty"`
	KPIReferences        []VerificationSpec  `json:"kpi_references"`
}

// ExecutionOutcome is what the per-device verification executor returns
// for one frame.
type ExecutionOutcome struct {
	Success bool
}

// Executor wraps the image/text controllers that judge whether a frame
// satisfies a set of verifications (spec.md §4.5's "collaborator").
type Executor interface {
	ExecuteVerifications(ctx context.Context, verifications []VerificationSpec, userInterfaceName, imageSourceURL, teamID string) (ExecutionOutcome, error)
}

// Uploader is the narrow object-store surface the report step needs.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignGET(ctx context.Context, key string) (string, error)
}

// Service is the single-worker KPI executor.
type Service struct {
	q           *queue.FIFO[Request]
	executor    Executor
	uploader    Uploader
	store       dbstore.KPIStore
	workingRoot string

	logger interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New builds a Service. workingRoot is the RAM-backed scratch directory
// (spec.md's /tmp/kpi_working).
func New(executor Executor, uploader Uploader, store dbstore.KPIStore, workingRoot string) *Service {
	if store == nil {
		store = dbstore.NullStore{}
	}
	return &Service{
		q:           queue.NewFIFO[Request](QueueCapacity),
		executor:    executor,
		uploader:    uploader,
		store:       store,
		workingRoot: workingRoot,
		logger:      logging.ForService("kpi"),
	}
}

// Enqueue pushes a parsed request onto the bounded queue, reporting false
// if the queue was full (spec.md §7 "Queue full": request dropped, logged).
func (s *Service) Enqueue(req Request) bool {
	ok := s.q.Push(req)
	if !ok {
		s.logger.Warn("kpi queue full, dropping request", "execution_result_id", req.ExecutionResultID)
	}
	return ok
}

// Run drains the queue with a single worker until ctx is cancelled,
// heartbeating every IdleHeartbeat while empty.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(IdleHeartbeat)
	defer ticker.Stop()

	for {
		req, ok := s.q.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.logger.Info("kpi worker idle")
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		ticker.Reset(IdleHeartbeat)
		s.processRequest(ctx, req)
	}
}

func (s *Service) processRequest(ctx context.Context, req Request) {
	if req.KPITimestamp != nil {
		s.recordShortCircuit(req)
		return
	}

	start, end := scanWindow(req)
	resolver := layout.New(req.CaptureFolder, req.RAMMode)

	workDir := filepath.Join(s.workingRoot, fmt.Sprintf("%s_%s", req.ExecutionResultID, uuid.NewString()))
	defer os.RemoveAll(workDir)

	frames, err := snapshot(resolver, workDir, start, end)
	if err != nil {
		s.recordFailure(req, err)
		return
	}
	if len(frames) == 0 {
		s.recordFailure(req, errors.Newf("no frames found in scan window for %s", req.ExecutionResultID).
			Component("kpi").Category(errors.CategoryKPI).Build())
		return
	}

	match, algorithm, err := s.search(ctx, req, frames, start)
	if err != nil {
		s.recordFailure(req, err)
		return
	}
	if match == nil {
		s.recordResult(req, false, 0, algorithm, "", errors.Newf("no matching frame found").
			Component("kpi").Category(errors.CategoryKPI).Build())
		return
	}

	kpiMs := match.modTime.Sub(req.ActionTimestamp).Milliseconds()
	reportURL, err := s.buildAndUploadReport(ctx, req, frames, match, algorithm, kpiMs)
	if err != nil {
		s.logger.Warn("report upload failed", "execution_result_id", req.ExecutionResultID, "error", err)
	}
	s.recordResult(req, true, kpiMs, algorithm, reportURL, nil)
}

func (s *Service) recordShortCircuit(req Request) {
	kpiMs := req.KPITimestamp.Sub(req.ActionTimestamp).Milliseconds()
	s.recordResult(req, true, kpiMs, "short_circuit", "", nil)
}

func (s *Service) recordFailure(req Request, cause error) {
	s.logger.Warn("kpi measurement failed", "execution_result_id", req.ExecutionResultID, "error", cause)
	s.recordResult(req, false, 0, "", "", cause)
}

func (s *Service) recordResult(req Request, success bool, kpiMs int64, algorithm, reportURL string, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	var ms *int64
	if success {
		ms = &kpiMs
	}
	err := s.store.UpsertResult(dbstore.KPIResult{
		ExecutionResultID: req.ExecutionResultID,
		TeamID:            req.TeamID,
		Success:           success,
		KPIMeasurementMs:  ms,
		Error:             errMsg,
		ReportURL:         reportURL,
		Algorithm:         algorithm,
	})
	if err != nil {
		s.logger.Error("kpi db upsert failed", "execution_result_id", req.ExecutionResultID, "error", err)
	}
}

// Watcher wires a filesystem watch over the queue directory to Service's
// bounded queue, matching spec.md §4.5's "inotify watches the queue
// directory, existing files at startup enqueued in filename order".
type Watcher struct {
	dir     string
	svc     *Service
	watcher *fsnotify.Watcher
	logger  interface {
		Warn(msg string, args ...any)
	}
}

// NewWatcher attaches a watch to dir (creating it if absent).
func NewWatcher(dir string, svc *Service) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("kpi: create queue dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kpi: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("kpi: watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, svc: svc, watcher: fw, logger: logging.ForService("kpi")}, nil
}

// EnqueueBacklog enqueues every existing kpi_request_*.json in filename
// order, run once at startup before Run begins draining fsnotify events.
func (w *Watcher) EnqueueBacklog() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("kpi: read queue dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isKPIRequestName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.loadAndEnqueue(filepath.Join(w.dir, name))
	}
	return nil
}

// Run processes IN_MOVED_TO events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !isKPIRequestName(name) {
				continue
			}
			w.loadAndEnqueue(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("kpi queue watcher error", "error", err)
		}
	}
}

func (w *Watcher) loadAndEnqueue(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read kpi request failed", "path", path, "error", err)
		return
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		w.logger.Warn("parse kpi request failed", "path", path, "error", err)
		return
	}
	w.svc.Enqueue(req)
}

func isKPIRequestName(name string) bool {
	return strings.HasPrefix(name, "kpi_request_") && strings.HasSuffix(name, ".json")
}
