// Package dbstore is the GORM-backed persistence layer for incidents, zap
// iterations, and KPI results (spec.md §3, §4.4, §4.5, §4.7). It follows
// the teacher's datastore package: one dialect-agnostic model set, SQLite
// as the default dialect and MySQL as an alternative, and a null-object
// fallback instead of the teacher's lazy-import-with-sentinel pattern
// (spec.md §9's explicit re-architecture note).
package dbstore

import "time"

// Incident persists one ACTIVE or resolved incident row (spec.md §3, §4.4).
type Incident struct {
	ID         uint   `gorm:"primaryKey"`
	HostName   string `gorm:"index:idx_incidents_host_device_kind"`
	DeviceID   string `gorm:"index:idx_incidents_host_device_kind"`
	DeviceName string
	Kind       string `gorm:"index:idx_incidents_host_device_kind"` // blackscreen|freeze|audio_loss|macroblocks
	CapturePath string
	StreamPath  string

	BlackscreenPercentage *float64
	FreezeDiffs           string // JSON-encoded []float64
	VolumePercentage      *float64
	MeanVolumeDB          *float64
	QualityScore          *float64

	FrameURL     string
	ThumbnailURL string

	Active     bool `gorm:"index:idx_incidents_active"`
	StartedAt  time.Time
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ZapResult persists one zap_results row (spec.md §4.7 step 5).
type ZapResult struct {
	ID       uint   `gorm:"primaryKey"`
	TeamID   string `gorm:"index"`
	HostName string
	DeviceName string
	UserInterfaceName string // device model

	ActionCommand string
	StartedAt     time.Time
	CompletedAt   time.Time
	DurationSeconds float64

	BlackscreenFreezeDetected bool
	DetectionMethod           string

	ChannelName      string
	ChannelNumber    string
	ProgramName      string
	ProgramStartTime string
	ProgramEndTime   string
	Confidence       float64

	AudioSilenceDurationMs int64
	ActionParams           string // JSON-encoded map
	TimeSinceActionMs      *int64
	TotalZapDurationMs     *int64

	CreatedAt time.Time
}

// KPIResult persists a deferred KPI measurement update (spec.md §3, §4.5
// step 5).
type KPIResult struct {
	ID                 uint   `gorm:"primaryKey"`
	ExecutionResultID  string `gorm:"uniqueIndex"`
	TeamID             string
	Success            bool
	KPIMeasurementMs   *int64
	Error              string
	ReportURL          string
	Algorithm          string
	CreatedAt          time.Time
}
