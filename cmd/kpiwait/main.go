// Command kpiwait is a developer CLI for manually re-triggering a KPI
// verification during bring-up (spec.md §2 EXPANSION), without waiting
// on whatever upstream action normally drops a kpi_request_*.json file
// into the queue directory.
//
// It writes a request file directly into a running captureshost's KPI
// queue directory; internal/kpi.Watcher picks it up the same way it
// picks up any other request, so kpiwait never needs its own
// kpi.Executor.
//
// Grounded in the teacher's cmd/ layout (one small Cobra command per
// operator task, e.g. cmd/benchmark, cmd/support) and in
// internal/kpi.Request's JSON shape / kpi_request_ naming convention.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/capturehost/hostpipeline/internal/kpi"
)

func main() {
	var (
		queueDir          string
		executionResultID string
		teamID            string
		deviceID          string
		userInterfaceName string
		imageSourceURL    string
		captureFolder     string
		ramMode           bool
		verificationType  string
	)

	cmd := &cobra.Command{
		Use:   "kpiwait",
		Short: "Manually enqueue a KPI verification request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if executionResultID == "" {
				return fmt.Errorf("--execution-result-id is required")
			}
			req := kpi.Request{
				ExecutionResultID: executionResultID,
				TeamID:            teamID,
				DeviceID:          deviceID,
				UserInterfaceName: userInterfaceName,
				ImageSourceURL:    imageSourceURL,
				CaptureFolder:     captureFolder,
				RAMMode:           ramMode,
				ActionTimestamp:   time.Now(),
				KPIReferences: []kpi.VerificationSpec{
					{Type: verificationType, Timeout: 30 * time.Second},
				},
			}
			return writeRequest(queueDir, req)
		},
	}

	cmd.Flags().StringVar(&queueDir, "queue-dir", "", "path to the running host's KPI queue directory")
	cmd.Flags().StringVar(&executionResultID, "execution-result-id", "", "execution result ID to re-verify")
	cmd.Flags().StringVar(&teamID, "team-id", "", "team ID")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "device ID, e.g. device1 or host")
	cmd.Flags().StringVar(&userInterfaceName, "ui", "", "user interface name to pass to the verification executor")
	cmd.Flags().StringVar(&imageSourceURL, "image-source-url", "", "frame image source URL to verify against")
	cmd.Flags().StringVar(&captureFolder, "capture-folder", "", "capture folder label")
	cmd.Flags().BoolVar(&ramMode, "ram-mode", false, "set when the device's capture path lives on a RAM-backed mount")
	cmd.Flags().StringVar(&verificationType, "verification-type", "", "verification type to run")
	cmd.MarkFlagRequired("queue-dir")
	cmd.MarkFlagRequired("execution-result-id")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeRequest(queueDir string, req kpi.Request) error {
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		return fmt.Errorf("kpiwait: create queue dir: %w", err)
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("kpiwait: marshal request: %w", err)
	}
	name := fmt.Sprintf("kpi_request_%s.json", req.ActionTimestamp.Format("20060102_150405.000000000"))
	path := filepath.Join(queueDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("kpiwait: write request: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kpiwait: rename request into place: %w", err)
	}
	fmt.Printf("enqueued %s\n", path)
	return nil
}
