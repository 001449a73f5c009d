// Package hostconf loads the settings shared by every host service: the
// constants in spec.md section 6, the per-device environment mapping, and
// the location of the shared filesystem conventions (§6 active-captures
// conf, KPI queue, speedtest cache).
package hostconf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root configuration tree for a host process. Nested the
// way the teacher's conf.Settings is: one struct field per subsystem.
type Settings struct {
	Debug bool

	Host struct {
		Name        string // HOST_NAME
		VideoCapturePath string // HOST_VIDEO_CAPTURE_PATH
		VideoStreamPath  string // HOST_VIDEO_STREAM_PATH
		URL         string
		Port        int
	}

	Paths struct {
		ActiveCapturesConf string // /tmp/active_captures.conf
		KPIQueueDir        string // /tmp/kpi_queue
		KPIWorkingDir      string // /tmp/kpi_working
		SpeedtestCache     string // /tmp/speedtest_cache.json
	}

	Storage struct {
		HotLimitSegments int           // 10
		HotLimitOther    int           // 100
		RetentionCaptures time.Duration // 1h
		RetentionOther    time.Duration // 24h
		HLSTargetDuration int           // 4
	}

	Detect struct {
		BlackscreenPixelThreshold int     // 10
		BlackscreenDarkPctDesktop float64 // 85
		BlackscreenDarkPctMobile  float64 // 70
		FreezeDiffThreshold       float64 // 0.2
		FreezeMaxComparisons      int     // 50
		AudioSilenceDB            float64 // -50
		MacroblockArtifactPct     float64 // 8
		MacroblockBlurVariance    float64 // 30
	}

	Incident struct {
		DebounceSeconds int // 300
	}

	KPI struct {
		QueueCapacity    int           // 100
		IdleHeartbeat    time.Duration // 120s
		EarlyProbeOffset time.Duration // 200ms
		MaxVerifyTimeout time.Duration // 30s
	}

	Transcript struct {
		ThreadCap        int      // 2
		InotifyQueueCap  int      // 500
		ScanQueueCap     int      // 10
		HeartbeatSeconds int      // 60
		Languages        []string // fr,en,es,de,it
		WhisperModel     string   // "tiny"
		MinTranslateLen  int      // 20
	}

	Zapping struct {
		DefaultTeamID string // team_id for automatic zaps (Open Question decision)
	}

	ObjectStore struct {
		Endpoint  string
		Region    string
		Bucket    string
		AccessKey string
		SecretKey string
		UsePathStyle bool
	}

	Database struct {
		Driver string // "sqlite" or "mysql"
		DSN    string
	}

	Notify struct {
		MQTTBroker    string
		MQTTClientID  string
		MQTTUsername  string
		MQTTPassword  string
		MQTTTopic     string
		WebhookURL    string
		ShoutrrrURLs  []string
	}

	Registry struct {
		ServerURL string // REGISTRY_SERVER_URL, e.g. http://localhost:8090
	}

	Logging struct {
		Rotation  string // LOG_ROTATION: "size" (default), "daily", or "weekly"
		MaxSizeMB int    // LOG_MAX_SIZE_MB, used when Rotation is "size"
	}

	Devices []DeviceEnv
}

// DeviceEnv is one DEVICE<N>_* environment group (spec.md §6).
type DeviceEnv struct {
	Index       int
	Name        string
	Model       string
	CapturePath string
	StreamPath  string
}

// Default returns the defaults matching spec.md's "Constants an
// implementer must honor" list.
func Default() *Settings {
	s := &Settings{}
	s.Paths.ActiveCapturesConf = "/tmp/active_captures.conf"
	s.Paths.KPIQueueDir = "/tmp/kpi_queue"
	s.Paths.KPIWorkingDir = "/tmp/kpi_working"
	s.Paths.SpeedtestCache = "/tmp/speedtest_cache.json"

	s.Storage.HotLimitSegments = 10
	s.Storage.HotLimitOther = 100
	s.Storage.RetentionCaptures = 1 * time.Hour
	s.Storage.RetentionOther = 24 * time.Hour
	s.Storage.HLSTargetDuration = 4

	s.Detect.BlackscreenPixelThreshold = 10
	s.Detect.BlackscreenDarkPctDesktop = 85
	s.Detect.BlackscreenDarkPctMobile = 70
	s.Detect.FreezeDiffThreshold = 0.2
	s.Detect.FreezeMaxComparisons = 50
	s.Detect.AudioSilenceDB = -50
	s.Detect.MacroblockArtifactPct = 8
	s.Detect.MacroblockBlurVariance = 30

	s.Incident.DebounceSeconds = 300

	s.KPI.QueueCapacity = 100
	s.KPI.IdleHeartbeat = 120 * time.Second
	s.KPI.EarlyProbeOffset = 200 * time.Millisecond
	s.KPI.MaxVerifyTimeout = 30 * time.Second

	s.Transcript.ThreadCap = 2
	s.Transcript.InotifyQueueCap = 500
	s.Transcript.ScanQueueCap = 10
	s.Transcript.HeartbeatSeconds = 60
	s.Transcript.Languages = []string{"fr", "en", "es", "de", "it"}
	s.Transcript.WhisperModel = "tiny"
	s.Transcript.MinTranslateLen = 20

	s.Zapping.DefaultTeamID = "default"

	s.Database.Driver = "sqlite"
	s.Database.DSN = "host.db"

	s.Logging.Rotation = "size"
	s.Logging.MaxSizeMB = 100

	return s
}

// Load builds Settings from defaults, an optional YAML config file, and
// environment variable overrides, mirroring the teacher's conf.Load
// (Viper-backed, env takes priority over file, file over defaults).
func Load(configPath string) (*Settings, error) {
	s := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("hostconf: read config %s: %w", configPath, err)
			}
		} else if err := v.Unmarshal(s); err != nil {
			return nil, fmt.Errorf("hostconf: unmarshal config: %w", err)
		}
	}

	if err := applyEnv(s); err != nil {
		return nil, err
	}

	s.Devices = discoverDevices()
	return s, nil
}

func applyEnv(s *Settings) error {
	if v := os.Getenv("HOST_NAME"); v != "" {
		s.Host.Name = v
	}
	if v := os.Getenv("HOST_VIDEO_CAPTURE_PATH"); v != "" {
		s.Host.VideoCapturePath = v
	}
	if v := os.Getenv("HOST_VIDEO_STREAM_PATH"); v != "" {
		s.Host.VideoStreamPath = v
	}
	if v := os.Getenv("HOST_URL"); v != "" {
		s.Host.URL = v
	}
	if v := os.Getenv("HOST_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("hostconf: invalid HOST_PORT %q: %w", v, err)
		}
		s.Host.Port = port
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		// consumed by banner/translation black-box clients; stored via env,
		// not copied into Settings so it never round-trips through YAML.
		_ = v
	}

	if v := os.Getenv("OBJECT_STORE_ENDPOINT"); v != "" {
		s.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORE_REGION"); v != "" {
		s.ObjectStore.Region = v
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		s.ObjectStore.Bucket = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		s.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		s.ObjectStore.SecretKey = v
	}

	if v := os.Getenv("DATABASE_DSN"); v != "" {
		s.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		s.Database.Driver = v
	}

	if v := os.Getenv("NOTIFY_MQTT_BROKER"); v != "" {
		s.Notify.MQTTBroker = v
	}
	if v := os.Getenv("NOTIFY_MQTT_CLIENT_ID"); v != "" {
		s.Notify.MQTTClientID = v
	}
	if v := os.Getenv("NOTIFY_MQTT_USERNAME"); v != "" {
		s.Notify.MQTTUsername = v
	}
	if v := os.Getenv("NOTIFY_MQTT_PASSWORD"); v != "" {
		s.Notify.MQTTPassword = v
	}
	if v := os.Getenv("NOTIFY_MQTT_TOPIC"); v != "" {
		s.Notify.MQTTTopic = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		s.Notify.WebhookURL = v
	}
	if v := os.Getenv("NOTIFY_SHOUTRRR_URLS"); v != "" {
		s.Notify.ShoutrrrURLs = strings.Split(v, ",")
	}
	if v := os.Getenv("REGISTRY_SERVER_URL"); v != "" {
		s.Registry.ServerURL = v
	}
	if v := os.Getenv("LOG_ROTATION"); v != "" {
		s.Logging.Rotation = v
	}
	if v := os.Getenv("LOG_MAX_SIZE_MB"); v != "" {
		maxSizeMB, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("hostconf: invalid LOG_MAX_SIZE_MB %q: %w", v, err)
		}
		s.Logging.MaxSizeMB = maxSizeMB
	}
	return nil
}

// discoverDevices scans DEVICE1_*..DEVICE<N>_* environment groups until a
// gap is found, matching spec.md §6's DEVICE<N>_* enumeration.
func discoverDevices() []DeviceEnv {
	var devices []DeviceEnv
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("DEVICE%d_", i)
		name := os.Getenv(prefix + "NAME")
		capturePath := os.Getenv(prefix + "VIDEO_CAPTURE_PATH")
		if name == "" && capturePath == "" {
			break
		}
		devices = append(devices, DeviceEnv{
			Index:       i,
			Name:        name,
			Model:       os.Getenv(prefix + "MODEL"),
			CapturePath: capturePath,
			StreamPath:  os.Getenv(prefix + "VIDEO_STREAM_PATH"),
		})
	}
	return devices
}

// DeviceByCaptureFolder finds the DEVICE<N> group whose capture path ends
// with the given capture folder name (e.g. "capture1"), or the sentinel
// "host" group represented by Settings.Host when folder == "host".
func (s *Settings) DeviceByCaptureFolder(captureFolder string) (DeviceEnv, bool) {
	if captureFolder == "host" {
		return DeviceEnv{Name: "host", CapturePath: s.Host.VideoCapturePath, StreamPath: s.Host.VideoStreamPath}, true
	}
	for _, d := range s.Devices {
		if strings.HasSuffix(strings.TrimRight(d.CapturePath, "/"), captureFolder) {
			return d, true
		}
		// device_id convention: device<N> maps to DEVICE<N>_*
		if fmt.Sprintf("device%d", d.Index) == captureFolder {
			return d, true
		}
	}
	return DeviceEnv{}, false
}
